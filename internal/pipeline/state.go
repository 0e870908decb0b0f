// Package pipeline defines the delivery pipeline state machine.
// It is a pure decision layer: no I/O, no clocks, no side effects.
package pipeline

// State represents a stage in the delivery pipeline.
type State string

const (
	// StateAllocated means the run exists and its spec snapshot is frozen.
	StateAllocated State = "allocated"

	// StateInProgress means an execution worker has been dispatched.
	StateInProgress State = "in_progress"

	// StateBuilding means the worker is producing the change.
	StateBuilding State = "building"

	// StatePRCreated means pull-request creation is in flight or done.
	StatePRCreated State = "pr_created"

	// StateReviewing means the PR exists and CI review plus the validator
	// gate are underway.
	StateReviewing State = "reviewing"

	// StateValidated means the validator gate recorded a pass.
	StateValidated State = "validated"

	// StateMerged means merge has been dispatched or completed.
	StateMerged State = "merged"

	// StateDeploying means the deploy pipeline has been triggered.
	StateDeploying State = "deploying"

	// StateVerifying means post-deploy verification is running.
	StateVerifying State = "verifying"

	// StateCompleted is the successful terminal state.
	StateCompleted State = "completed"

	// StateFailed is the absorbing failure state, reachable from every
	// non-terminal state.
	StateFailed State = "failed"
)

// forwardOrder is the canonical order of forward states. StateFailed is
// deliberately absent: it is reachable from anywhere and never left.
var forwardOrder = []State{
	StateAllocated,
	StateInProgress,
	StateBuilding,
	StatePRCreated,
	StateReviewing,
	StateValidated,
	StateMerged,
	StateDeploying,
	StateVerifying,
	StateCompleted,
}

// AllStates returns every pipeline state in canonical order, failure last.
func AllStates() []State {
	return append(append([]State{}, forwardOrder...), StateFailed)
}

// Index returns the position of s in the forward order, or -1 for
// StateFailed and unknown states.
func (s State) Index() int {
	for i, st := range forwardOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known pipeline state.
func (s State) Valid() bool {
	return s == StateFailed || s.Index() >= 0
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ForwardOf reports whether a transition from s to target respects the
// forward-only invariant. Transitions into StateFailed are always forward.
func (s State) ForwardOf(target State) bool {
	if target == StateFailed {
		return !s.Terminal()
	}
	return target.Index() > s.Index()
}
