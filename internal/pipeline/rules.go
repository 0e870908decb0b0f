package pipeline

import "encoding/json"

// Action is a side effect the orchestration loop dispatches after a
// transition is persisted. The mapper only names the action; execution,
// retries and locking belong to the dispatcher.
type Action string

const (
	ActionNone          Action = ""
	ActionExecuteWorker Action = "execute_worker"
	ActionCreatePR      Action = "create_pr"
	ActionValidate      Action = "validate"
	ActionMerge         Action = "merge"
	ActionDeploy        Action = "deploy"
	ActionVerify        Action = "verify"
)

// EventView is the slice of an event the mapper is allowed to see.
type EventView struct {
	Type    string
	Payload json.RawMessage
}

// RunView is the slice of ledger state the mapper is allowed to see.
// Keeping it minimal keeps rule predicates honest: they can only reason
// about data that is durably recorded.
type RunView struct {
	State           State
	PRNumber        int
	ValidatorPassed bool
}

// Rule is one row of the canonical transition table.
//
// Types holds exact event-type strings or wildcard suffix patterns of the
// form "*.suffix". From lists the states the rule may fire in. When, if
// non-nil, must also hold for the rule to match.
type Rule struct {
	Name   string
	Types  []string
	From   []State
	To     State
	Action Action
	When   func(ev EventView, run RunView) bool
}

// hasPRAttached reports whether a worker result payload already carries a
// pull-request number, meaning create_pr must not be dispatched again.
func hasPRAttached(ev EventView, _ RunView) bool {
	var p struct {
		PRNumber int `json:"pr_number"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return false
	}
	return p.PRNumber > 0
}

// validatorRecorded requires a durably recorded validator pass. The
// dispatcher re-reads the ledger before merging; this predicate keeps the
// decision auditable in the table as well.
func validatorRecorded(_ EventView, run RunView) bool {
	return run.ValidatorPassed
}

// notGateOrLifecycleFailure excludes two event families from the blanket
// failure rule. Validator-gate failures keep the run in reviewing so a
// corrected change can be resubmitted. Action-lifecycle failures
// ("action.failed") are per-attempt audit records; the dispatcher's retry
// budget decides when the run actually fails.
func notGateOrLifecycleFailure(ev EventView, _ RunView) bool {
	return ev.Type != "validation.failed" && ev.Type != "action.failed"
}

// DefaultRules returns the canonical, ordered rule table. The first
// matching rule wins, so specific rules precede the wildcard failure rule.
func DefaultRules() []Rule {
	nonTerminal := forwardOrder[:len(forwardOrder)-1]

	return []Rule{
		{
			Name:   "allocate-worker",
			Types:  []string{"run.allocated"},
			From:   []State{StateAllocated},
			To:     StateInProgress,
			Action: ActionExecuteWorker,
		},
		{
			Name:  "worker-building",
			Types: []string{"worker.execution.started"},
			From:  []State{StateInProgress},
			To:    StateBuilding,
		},
		{
			Name:  "worker-done-pr-attached",
			Types: []string{"worker.execution.completed"},
			From:  []State{StateInProgress, StateBuilding},
			To:    StatePRCreated,
			When:  hasPRAttached,
		},
		{
			Name:   "worker-done-create-pr",
			Types:  []string{"worker.execution.completed"},
			From:   []State{StateInProgress, StateBuilding},
			To:     StatePRCreated,
			Action: ActionCreatePR,
		},
		{
			Name:   "pr-ready-review",
			Types:  []string{"pr.created"},
			From:   []State{StatePRCreated},
			To:     StateReviewing,
			Action: ActionValidate,
		},
		{
			Name:  "gate-passed",
			Types: []string{"validation.passed"},
			From:  []State{StateReviewing},
			To:    StateValidated,
		},
		{
			Name:   "checks-green-merge",
			Types:  []string{"ci.checks.completed"},
			From:   []State{StateReviewing, StateValidated},
			To:     StateMerged,
			Action: ActionMerge,
			When:   validatorRecorded,
		},
		{
			Name:   "merged-deploy",
			Types:  []string{"merge.completed"},
			From:   []State{StateMerged},
			To:     StateDeploying,
			Action: ActionDeploy,
		},
		{
			// Verifying re-enters itself so an operator can re-probe a
			// deployment whose acceptance assertions withheld the pass.
			Name:   "deployed-verify",
			Types:  []string{"deploy.completed"},
			From:   []State{StateDeploying, StateVerifying},
			To:     StateVerifying,
			Action: ActionVerify,
		},
		{
			Name:  "verified-complete",
			Types: []string{"verification.passed"},
			From:  []State{StateVerifying},
			To:    StateCompleted,
		},
		{
			Name:  "failure",
			Types: []string{"*.failed"},
			From:  nonTerminal,
			To:    StateFailed,
			When:  notGateOrLifecycleFailure,
		},
	}
}
