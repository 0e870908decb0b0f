package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestMemoryStoreRunCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := NewRun("run-1", "VT-100", t0)
	require.NoError(t, store.CreateRun(ctx, run))
	assert.Equal(t, uint64(1), run.Revision)

	require.ErrorIs(t, store.CreateRun(ctx, NewRun("run-1", "VT-100", t0)), ErrRunExists)

	// Two readers hold the same revision; only the first writer wins.
	a, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	b, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)

	a.ApplyTransition(pipeline.StateInProgress, t0.Add(time.Second))
	require.NoError(t, store.UpdateRun(ctx, a))

	b.ApplyTransition(pipeline.StateFailed, t0.Add(time.Second))
	assert.ErrorIs(t, store.UpdateRun(ctx, b), ErrRevisionConflict)

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateInProgress, got.State)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := NewRun("run-1", "VT-100", t0)
	run.Attempts["merge"] = 1
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	got.Attempts["merge"] = 99
	got.State = pipeline.StateFailed

	again, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts["merge"])
	assert.Equal(t, pipeline.StateAllocated, again.State)
}

func TestSnapshotCreateOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := NewSnapshot("run-1", "Add health endpoint", "MUST create endpoint /healthz", "api", nil, t0)
	stored, err := store.CreateSnapshot(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, stored.Checksum)

	// A second freeze attempt with different text never replaces the first.
	second := NewSnapshot("run-1", "Add health endpoint", "completely different text", "api", nil, t0.Add(time.Hour))
	stored, err = store.CreateSnapshot(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, stored.Checksum)
	assert.Equal(t, first.SpecText, stored.SpecText)

	got, err := store.GetSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.SpecText, got.SpecText)
	assert.NoError(t, got.Verify())

	_, err = store.GetSnapshot(ctx, "run-missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshotVerifyDetectsTampering(t *testing.T) {
	snap := NewSnapshot("run-1", "t", "original text", "", nil, t0)
	require.NoError(t, snap.Verify())

	snap.SpecText = "edited text"
	assert.Error(t, snap.Verify())
}

func TestMarkProcessedFirstWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.MarkProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.MarkProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestActionStartedRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.ActionStarted(ctx, "inst-1")
	assert.ErrorIs(t, err, ErrActionNotStarted)

	require.NoError(t, store.MarkActionStarted(ctx, "inst-1", "abc123"))
	hash, err := store.ActionStarted(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
}

func TestLoopStateCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	state, err := store.GetLoopState(ctx)
	require.NoError(t, err)
	assert.Zero(t, state.Revision)

	state.Running = true
	state.Cursor = Cursor{LastEventID: "evt-1", LastEventTime: t0}
	require.NoError(t, store.PutLoopState(ctx, state))

	stale := &LoopState{Running: true, Revision: 0}
	assert.ErrorIs(t, store.PutLoopState(ctx, stale), ErrRevisionConflict)

	got, err := store.GetLoopState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.Cursor.LastEventID)
}

func TestLoopStateRollWindow(t *testing.T) {
	state := &LoopState{WindowStart: t0, EventsProcessed: 40, Errors: 3}

	state.RollWindow(t0.Add(30*time.Minute), time.Hour)
	assert.Equal(t, 40, state.EventsProcessed)

	state.RollWindow(t0.Add(2*time.Hour), time.Hour)
	assert.Zero(t, state.EventsProcessed)
	assert.Zero(t, state.Errors)
	assert.Equal(t, t0.Add(2*time.Hour), state.WindowStart)
}

func TestLockerAcquireAndSteal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateRun(ctx, NewRun("run-1", "VT-100", t0)))

	clock := t0
	alice := NewLocker(store, "orch-a", time.Minute)
	alice.now = func() time.Time { return clock }
	bob := NewLocker(store, "orch-b", time.Minute)
	bob.now = func() time.Time { return clock }

	_, err := alice.Acquire(ctx, "run-1")
	require.NoError(t, err)

	_, err = bob.Acquire(ctx, "run-1")
	assert.ErrorIs(t, err, ErrLockHeld)

	// Re-acquisition by the holder extends the lease.
	clock = clock.Add(30 * time.Second)
	run, err := alice.Acquire(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Add(time.Minute), run.LockExpiresAt)

	// Past expiry the lock is up for grabs again.
	clock = clock.Add(2 * time.Minute)
	run, err = bob.Acquire(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "orch-b", run.LockHolder)
}

func TestLockerReleaseIgnoresForeignLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateRun(ctx, NewRun("run-1", "VT-100", t0)))

	alice := NewLocker(store, "orch-a", time.Minute)
	bob := NewLocker(store, "orch-b", time.Minute)

	_, err := alice.Acquire(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, bob.Release(ctx, "run-1"))
	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "orch-a", run.LockHolder)

	require.NoError(t, alice.Release(ctx, "run-1"))
	run, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, run.LockHolder)
}

func TestRearmDelayDoubles(t *testing.T) {
	base, max := 2*time.Second, 30*time.Second

	assert.Equal(t, 2*time.Second, RearmDelay(base, max, 1))
	assert.Equal(t, 4*time.Second, RearmDelay(base, max, 2))
	assert.Equal(t, 8*time.Second, RearmDelay(base, max, 3))
	assert.Equal(t, 30*time.Second, RearmDelay(base, max, 10))
	assert.Equal(t, 2*time.Second, RearmDelay(base, max, 0))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func historyFor(t *testing.T, runID string) []eventstore.Event {
	t.Helper()
	mk := func(i int, typ eventstore.Type, payload json.RawMessage) eventstore.Event {
		return eventstore.Event{
			ID:        runID + "-evt-" + string(rune('a'+i)),
			Type:      typ,
			RunID:     runID,
			Status:    eventstore.StatusInfo,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Payload:   payload,
		}
	}
	return []eventstore.Event{
		mk(0, eventstore.TypeRunAllocated, nil),
		mk(1, eventstore.TypeWorkerStarted, nil),
		mk(2, eventstore.TypeWorkerCompleted, mustJSON(t, eventstore.WorkerResultPayload{
			PRNumber: 42, PRURL: "https://github.com/acme/site/pull/42",
		})),
		mk(3, eventstore.TypePRCreated, mustJSON(t, eventstore.PRPayload{
			PRNumber: 42, PRURL: "https://github.com/acme/site/pull/42",
		})),
		mk(4, eventstore.TypeValidationPass, nil),
		mk(5, eventstore.TypeChecksCompleted, nil),
		mk(6, eventstore.TypeMergeCompleted, mustJSON(t, eventstore.MergePayload{SHA: "deadbeef"})),
		mk(7, eventstore.TypeDeployCompleted, mustJSON(t, eventstore.DeployPayload{WorkflowRef: "deploy.yml#91"})),
		mk(8, eventstore.TypeVerifyPassed, nil),
	}
}

func TestRebuildFullHistory(t *testing.T) {
	events := historyFor(t, "run-1")

	run, err := Rebuild("run-1", "VT-100", events)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateCompleted, run.State)
	assert.Equal(t, 42, run.PRNumber)
	assert.Equal(t, "deadbeef", run.MergeSHA)
	assert.Equal(t, "deploy.yml#91", run.DeployRef)
	require.NotNil(t, run.Validator)
	assert.True(t, run.Validator.Passed)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, t0.Add(8*time.Minute), *run.CompletedAt)
}

func TestRebuildIsIdempotent(t *testing.T) {
	events := historyFor(t, "run-1")

	first, err := Rebuild("run-1", "VT-100", events)
	require.NoError(t, err)
	second, err := Rebuild("run-1", "VT-100", events)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRebuildSkipsRedeliveredAndForeignEvents(t *testing.T) {
	events := historyFor(t, "run-1")

	// Duplicate delivery of an already-applied event and an interleaved
	// event for another run must not disturb the fold.
	noisy := make([]eventstore.Event, 0, len(events)+2)
	noisy = append(noisy, events[:4]...)
	noisy = append(noisy, events[2]) // redelivered worker.execution.completed
	noisy = append(noisy, eventstore.Event{
		ID: "other-evt", Type: eventstore.TypeRunAllocated, RunID: "run-2",
		Status: eventstore.StatusInfo, Timestamp: t0,
	})
	noisy = append(noisy, events[4:]...)

	run, err := Rebuild("run-1", "VT-100", noisy)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, run.State)
	assert.Equal(t, 42, run.PRNumber)
}

func TestRebuildFailedRun(t *testing.T) {
	events := []eventstore.Event{
		{ID: "e1", Type: eventstore.TypeRunAllocated, RunID: "run-9", Status: eventstore.StatusInfo, Timestamp: t0},
		{ID: "e2", Type: eventstore.TypeWorkerStarted, RunID: "run-9", Status: eventstore.StatusInfo, Timestamp: t0.Add(time.Minute)},
		{ID: "e3", Type: eventstore.TypeWorkerFailed, RunID: "run-9", Status: eventstore.StatusError,
			Message: "sandbox OOM", Timestamp: t0.Add(2 * time.Minute)},
	}

	run, err := Rebuild("run-9", "VT-900", events)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, run.State)
	assert.Equal(t, CodeWorkerFailed, run.ErrorCode)
	assert.Equal(t, "sandbox OOM", run.ErrorMessage)
	require.NotNil(t, run.CompletedAt)
}

func TestRebuildFromStore(t *testing.T) {
	ctx := context.Background()
	es := eventstore.NewMemoryStore()
	for _, ev := range historyFor(t, "run-1") {
		require.NoError(t, es.Append(ctx, ev))
	}

	run, err := RebuildFromStore(ctx, es, "run-1", "VT-100")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, run.State)
}

func TestAbsorbRecordsStageErrors(t *testing.T) {
	run := NewRun("run-1", "VT-100", t0)
	run.Absorb(eventstore.Event{Type: eventstore.TypeMergeFailed, Message: "merge conflict on main"})

	assert.Equal(t, CodeMergeFailed, run.ErrorCode)
	assert.Equal(t, "merge conflict on main", run.ErrorMessage)
}

func TestRunViewProjectsValidator(t *testing.T) {
	run := NewRun("run-1", "VT-100", t0)
	assert.False(t, run.View().ValidatorPassed)

	run.Validator = &ValidatorResult{Passed: false, RecordedAt: t0}
	assert.False(t, run.View().ValidatorPassed)

	run.Validator.Passed = true
	assert.True(t, run.View().ValidatorPassed)
}
