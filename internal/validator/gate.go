// Package validator implements the pre-merge quality gate: a review check
// over the proposed change set, governance rules evaluated as CEL
// expressions, and a secret scan. The gate's verdict is recorded in the
// ledger; merge dispatch trusts only that record.
package validator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

// Severity levels for gate findings.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// File is one file from the proposed change set.
type File struct {
	Path    string
	Content string
}

// Input is everything the gate inspects for one run.
type Input struct {
	Snapshot *ledger.SpecSnapshot
	Files    []File
}

// Gate runs the three validator checks. Construct once and reuse: the
// security detector and compiled governance programs are cached on it.
type Gate struct {
	governance *Governance
	security   *Security
	logger     *zap.Logger
	now        func() time.Time
}

// NewGate builds a gate with the default governance rules plus any extra
// CEL rules from configuration.
func NewGate(logger *zap.Logger, extraRules []string) (*Gate, error) {
	gov, err := NewGovernance(extraRules)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}
	sec, err := NewSecurity()
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	return &Gate{
		governance: gov,
		security:   sec,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Run evaluates all three checks and returns the combined result. All
// checks always run; a failing review does not short-circuit the secret
// scan, so one gate pass reports every finding at once.
func (g *Gate) Run(ctx context.Context, in Input) (*ledger.ValidatorResult, error) {
	res := &ledger.ValidatorResult{RecordedAt: g.now().UTC()}

	reviewIssues := reviewCheck(in)
	res.Review = !hasCritical(reviewIssues)
	res.Issues = append(res.Issues, reviewIssues...)

	govIssues, err := g.governance.Check(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("governance check: %w", err)
	}
	res.Governance = !hasCritical(govIssues)
	res.Issues = append(res.Issues, govIssues...)

	secIssues, err := g.security.Check(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("security check: %w", err)
	}
	res.Security = !hasCritical(secIssues)
	res.Issues = append(res.Issues, secIssues...)

	res.Passed = res.Review && res.Governance && res.Security

	runID := ""
	if in.Snapshot != nil {
		runID = in.Snapshot.RunID
	}
	g.logger.Info("validator gate evaluated",
		zap.String("run_id", runID),
		zap.Bool("passed", res.Passed),
		zap.Bool("review", res.Review),
		zap.Bool("governance", res.Governance),
		zap.Bool("security", res.Security),
		zap.Int("issues", len(res.Issues)),
	)
	return res, nil
}

func hasCritical(issues []ledger.Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
