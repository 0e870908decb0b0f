package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_ForwardOrder(t *testing.T) {
	states := AllStates()
	require.Equal(t, StateFailed, states[len(states)-1])

	// Indexes are strictly increasing along the forward path.
	prev := -1
	for _, s := range states[:len(states)-1] {
		assert.Greater(t, s.Index(), prev, "state %s", s)
		prev = s.Index()
	}
	assert.Equal(t, -1, StateFailed.Index())
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateReviewing.Terminal())
}

func TestState_ForwardOf(t *testing.T) {
	assert.True(t, StateAllocated.ForwardOf(StateInProgress))
	assert.True(t, StateBuilding.ForwardOf(StateCompleted))
	assert.False(t, StateReviewing.ForwardOf(StateBuilding))
	assert.False(t, StateReviewing.ForwardOf(StateReviewing))

	// Failure is forward from any non-terminal state.
	assert.True(t, StateAllocated.ForwardOf(StateFailed))
	assert.True(t, StateVerifying.ForwardOf(StateFailed))
	assert.False(t, StateCompleted.ForwardOf(StateFailed))
	assert.False(t, StateFailed.ForwardOf(StateFailed))
}

func TestMapper_WorkerCompletedWithoutPR(t *testing.T) {
	m := NewMapper()

	tr, err := m.Match(
		EventView{Type: "worker.execution.completed", Payload: json.RawMessage(`{"summary":"done"}`)},
		RunView{State: StateBuilding},
	)

	require.NoError(t, err)
	assert.Equal(t, StatePRCreated, tr.To)
	assert.Equal(t, ActionCreatePR, tr.Action)
}

func TestMapper_WorkerCompletedWithPRAttached(t *testing.T) {
	m := NewMapper()

	tr, err := m.Match(
		EventView{Type: "worker.execution.completed", Payload: json.RawMessage(`{"pr_number":42}`)},
		RunView{State: StateBuilding},
	)

	require.NoError(t, err)
	assert.Equal(t, StatePRCreated, tr.To)
	assert.Equal(t, ActionNone, tr.Action, "create_pr must not be dispatched when the worker attached a PR")
}

func TestMapper_TerminalStateRejectsEverything(t *testing.T) {
	m := NewMapper()

	for _, state := range []State{StateCompleted, StateFailed} {
		_, err := m.Match(
			EventView{Type: "worker.execution.completed"},
			RunView{State: state},
		)
		require.ErrorIs(t, err, ErrTerminalState, "state %s", state)
	}
}

func TestMapper_NoMatchIsHarmless(t *testing.T) {
	m := NewMapper()

	_, err := m.Match(
		EventView{Type: "social.score.updated"},
		RunView{State: StateBuilding},
	)
	require.ErrorIs(t, err, ErrNoMatch)

	// A duplicate of an already-applied event no longer matches either.
	_, err = m.Match(
		EventView{Type: "run.allocated"},
		RunView{State: StateBuilding},
	)
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestMapper_WildcardFailure(t *testing.T) {
	m := NewMapper()

	cases := []struct {
		evType string
		state  State
	}{
		{"worker.execution.failed", StateBuilding},
		{"pr.create.failed", StatePRCreated},
		{"merge.failed", StateMerged},
		{"deploy.failed", StateDeploying},
		{"verification.failed", StateVerifying},
	}
	for _, tc := range cases {
		tr, err := m.Match(EventView{Type: tc.evType}, RunView{State: tc.state})
		require.NoError(t, err, "%s in %s", tc.evType, tc.state)
		assert.Equal(t, StateFailed, tr.To)
		assert.Equal(t, ActionNone, tr.Action)
	}
}

func TestMapper_ValidationFailureKeepsRunReviewing(t *testing.T) {
	m := NewMapper()

	_, err := m.Match(
		EventView{Type: "validation.failed"},
		RunView{State: StateReviewing},
	)
	require.ErrorIs(t, err, ErrNoMatch, "gate failure must not fail the run; a corrected change can be resubmitted")
}

func TestMapper_ActionLifecycleFailureIsAuditOnly(t *testing.T) {
	m := NewMapper()

	_, err := m.Match(
		EventView{Type: "action.failed"},
		RunView{State: StatePRCreated},
	)
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestMapper_MergeRequiresRecordedValidatorPass(t *testing.T) {
	m := NewMapper()

	// Validator pass present only in the triggering event, not the ledger.
	_, err := m.Match(
		EventView{Type: "ci.checks.completed", Payload: json.RawMessage(`{"validator":"passed"}`)},
		RunView{State: StateValidated, ValidatorPassed: false},
	)
	require.ErrorIs(t, err, ErrNoMatch)

	tr, err := m.Match(
		EventView{Type: "ci.checks.completed"},
		RunView{State: StateValidated, ValidatorPassed: true},
	)
	require.NoError(t, err)
	assert.Equal(t, StateMerged, tr.To)
	assert.Equal(t, ActionMerge, tr.Action)
}

func TestMapper_HappyPath(t *testing.T) {
	m := NewMapper()

	steps := []struct {
		evType  string
		payload string
		run     RunView
		to      State
		action  Action
	}{
		{"run.allocated", `{}`, RunView{State: StateAllocated}, StateInProgress, ActionExecuteWorker},
		{"worker.execution.started", `{}`, RunView{State: StateInProgress}, StateBuilding, ActionNone},
		{"worker.execution.completed", `{}`, RunView{State: StateBuilding}, StatePRCreated, ActionCreatePR},
		{"pr.created", `{"pr_number":7}`, RunView{State: StatePRCreated}, StateReviewing, ActionValidate},
		{"validation.passed", `{}`, RunView{State: StateReviewing}, StateValidated, ActionNone},
		{"ci.checks.completed", `{}`, RunView{State: StateValidated, ValidatorPassed: true}, StateMerged, ActionMerge},
		{"merge.completed", `{"sha":"abc"}`, RunView{State: StateMerged}, StateDeploying, ActionDeploy},
		{"deploy.completed", `{}`, RunView{State: StateDeploying}, StateVerifying, ActionVerify},
		{"verification.passed", `{}`, RunView{State: StateVerifying}, StateCompleted, ActionNone},
	}

	for _, step := range steps {
		tr, err := m.Match(EventView{Type: step.evType, Payload: json.RawMessage(step.payload)}, step.run)
		require.NoError(t, err, "event %s in %s", step.evType, step.run.State)
		assert.Equal(t, step.to, tr.To, "event %s", step.evType)
		assert.Equal(t, step.action, tr.Action, "event %s", step.evType)
	}
}

func TestMapper_VerifyReprobeStaysInVerifying(t *testing.T) {
	m := NewMapper()

	// A run held in verifying by failing acceptance assertions can be
	// re-probed without moving the state.
	tr, err := m.Match(
		EventView{Type: "deploy.completed"},
		RunView{State: StateVerifying},
	)
	require.NoError(t, err)
	assert.Equal(t, StateVerifying, tr.To)
	assert.Equal(t, ActionVerify, tr.Action)
}

func TestMapper_BackwardTransitionRejected(t *testing.T) {
	m := NewMapperWithRules([]Rule{
		{
			Name:  "defective-rewind",
			Types: []string{"rewind.requested"},
			From:  []State{StateVerifying},
			To:    StateBuilding,
		},
	})

	_, err := m.Match(
		EventView{Type: "rewind.requested"},
		RunView{State: StateVerifying},
	)
	require.ErrorIs(t, err, ErrBackwardTransition)
}

func TestMapper_NormalizesEventType(t *testing.T) {
	m := NewMapper()

	tr, err := m.Match(
		EventView{Type: "  Run.Allocated "},
		RunView{State: StateAllocated},
	)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, tr.To)
}

func TestTypeMatches(t *testing.T) {
	assert.True(t, typeMatches([]string{"*.failed"}, "deploy.failed"))
	assert.True(t, typeMatches([]string{"pr.created"}, "pr.created"))
	assert.False(t, typeMatches([]string{"*.failed"}, "deploy.completed"))
	assert.False(t, typeMatches([]string{"pr.created"}, "pr.create.failed"))
}

func TestMapper_UnknownCurrentState(t *testing.T) {
	m := NewMapper()

	_, err := m.Match(EventView{Type: "run.allocated"}, RunView{State: State("limbo")})
	require.ErrorIs(t, err, ErrUnknownCurrentState)
}
