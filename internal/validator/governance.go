package validator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

const checkGovernance = "governance"

// systemRules are always enforced, before any configured rules. Each
// expression must evaluate to true for the change set to pass.
var systemRules = []string{
	// Workers never touch CI pipeline definitions.
	`!paths.exists(p, p.startsWith(".github/workflows/"))`,
	// No path traversal in the change set.
	`paths.all(p, !p.contains(".."))`,
	// A run must carry a non-empty title for audit.
	`title != ""`,
}

// Governance evaluates CEL rules over the change set and run metadata.
// Compiled programs are cached per expression, so repeated gate runs pay
// compilation once.
type Governance struct {
	env   *cel.Env
	rules []string

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGovernance builds the evaluator with the system rules plus extras.
// Every rule is compiled eagerly so a bad expression fails at startup,
// not inside a run.
func NewGovernance(extraRules []string) (*Governance, error) {
	env, err := cel.NewEnv(
		cel.Variable("paths", cel.ListType(cel.StringType)),
		cel.Variable("domain", cel.StringType),
		cel.Variable("title", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	g := &Governance{
		env:   env,
		rules: append(append([]string{}, systemRules...), extraRules...),
		cache: make(map[string]cel.Program),
	}
	for _, rule := range g.rules {
		if _, err := g.program(rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule, err)
		}
	}
	return g, nil
}

// Check evaluates every rule. A rule returning false is a critical
// finding; an evaluation error fails closed as critical too.
func (g *Governance) Check(ctx context.Context, in Input) ([]ledger.Issue, error) {
	paths := make([]string, len(in.Files))
	for i, f := range in.Files {
		paths[i] = f.Path
	}
	input := map[string]any{
		"paths":  paths,
		"domain": "",
		"title":  "",
	}
	if in.Snapshot != nil {
		input["domain"] = in.Snapshot.Domain
		input["title"] = in.Snapshot.Title
	}

	var issues []ledger.Issue
	for _, rule := range g.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prg, err := g.program(rule)
		if err != nil {
			return nil, err
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			issues = append(issues, ledger.Issue{
				Check:    checkGovernance,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("rule %q evaluation failed: %v", rule, err),
			})
			continue
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			issues = append(issues, ledger.Issue{
				Check:    checkGovernance,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("rule %q did not produce a boolean", rule),
			})
			continue
		}
		if !allowed {
			issues = append(issues, ledger.Issue{
				Check:    checkGovernance,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("governance rule violated: %s", rule),
			})
		}
	}
	return issues, nil
}

func (g *Governance) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.cache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.cache[expr] = prg
	return prg, nil
}
