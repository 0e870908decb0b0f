package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by Mapper.Match. ErrBackwardTransition is a
// defect signal (a rule targets an earlier state than the run is in);
// the other two are ordinary, loggable outcomes.
var (
	ErrNoMatch             = errors.New("no matching rule")
	ErrTerminalState       = errors.New("run is in a terminal state")
	ErrBackwardTransition  = errors.New("backward transition rejected")
	ErrUnknownCurrentState = errors.New("unknown current state")
)

// Transition is a successful mapper decision: the state to persist and the
// action, if any, to dispatch afterwards.
type Transition struct {
	Rule   string
	To     State
	Action Action
}

// Mapper matches events against the canonical rule table.
type Mapper struct {
	rules []Rule
}

// NewMapper returns a mapper over the default rule table.
func NewMapper() *Mapper {
	return &Mapper{rules: DefaultRules()}
}

// NewMapperWithRules returns a mapper over a custom table. Used in tests.
func NewMapperWithRules(rules []Rule) *Mapper {
	return &Mapper{rules: rules}
}

// Match scans the rule table in order and returns the first transition
// whose type pattern, from-states and predicate all hold.
//
// Outcomes:
//   - (transition, nil) on a match
//   - ErrTerminalState when the run accepts no further events
//   - ErrNoMatch when no rule applies (harmless, supports duplicate and
//     unrelated events flowing through the same stream)
//   - ErrBackwardTransition when a matched rule would move the state
//     backward; this indicates a rule-table defect, never a silent drop
func (m *Mapper) Match(ev EventView, run RunView) (Transition, error) {
	if run.State.Terminal() {
		return Transition{}, fmt.Errorf("%w: %s", ErrTerminalState, run.State)
	}
	if !run.State.Valid() {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownCurrentState, run.State)
	}

	evType := normalizeType(ev.Type)

	for _, rule := range m.rules {
		if !typeMatches(rule.Types, evType) {
			continue
		}
		if !stateIn(rule.From, run.State) {
			continue
		}
		if rule.When != nil && !rule.When(ev, run) {
			continue
		}
		// Committed states are non-decreasing: staying in place is
		// legal (re-probe rules), moving backward never is.
		if rule.To != run.State && !run.State.ForwardOf(rule.To) {
			return Transition{}, fmt.Errorf("%w: rule %q maps %s -> %s",
				ErrBackwardTransition, rule.Name, run.State, rule.To)
		}
		return Transition{Rule: rule.Name, To: rule.To, Action: rule.Action}, nil
	}

	return Transition{}, fmt.Errorf("%w: type %q in state %s", ErrNoMatch, evType, run.State)
}

// normalizeType canonicalizes an event type for matching.
func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// typeMatches checks an event type against exact strings and "*.suffix"
// wildcard patterns. Deliberately not a regex: the table stays auditable.
func typeMatches(patterns []string, evType string) bool {
	for _, p := range patterns {
		if suffix, ok := strings.CutPrefix(p, "*"); ok {
			if strings.HasSuffix(evType, suffix) {
				return true
			}
			continue
		}
		if p == evType {
			return true
		}
	}
	return false
}

func stateIn(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
