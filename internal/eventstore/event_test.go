package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(id string) Event {
	return Event{
		ID:        id,
		Type:      TypeWorkerStarted,
		RunID:     "run-1",
		Status:    StatusInfo,
		Timestamp: time.Now().UTC(),
	}
}

func TestEvent_Validate(t *testing.T) {
	ev := validEvent("ev-1")
	require.NoError(t, ev.Validate())

	missingID := validEvent("")
	assert.Error(t, missingID.Validate())

	missingRun := validEvent("ev-2")
	missingRun.RunID = ""
	assert.Error(t, missingRun.Validate())

	unknownType := validEvent("ev-3")
	unknownType.Type = Type("ghost.sighted")
	assert.Error(t, unknownType.Validate())

	badStatus := validEvent("ev-4")
	badStatus.Status = Status("meh")
	assert.Error(t, badStatus.Validate())
}

func TestEvent_ValidatePayloadSchemas(t *testing.T) {
	cases := []struct {
		name    string
		evType  Type
		payload string
		wantErr bool
	}{
		{"pr created ok", TypePRCreated, `{"pr_number":12,"pr_url":"https://x/pull/12"}`, false},
		{"pr created missing number", TypePRCreated, `{"pr_url":"https://x/pull/12"}`, true},
		{"pr created no payload", TypePRCreated, ``, true},
		{"merge ok", TypeMergeCompleted, `{"sha":"deadbeef"}`, false},
		{"merge missing sha", TypeMergeCompleted, `{}`, true},
		{"worker result ok", TypeWorkerCompleted, `{"ok":true,"summary":"done"}`, false},
		{"action started ok", TypeActionStarted, `{"instance_id":"a-1","action_type":"merge","payload_hash":"ff"}`, false},
		{"action started missing hash", TypeActionStarted, `{"instance_id":"a-1","action_type":"merge"}`, true},
		{"untyped payload accepted for info events", TypeDeployStarted, ``, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent("ev-x")
			ev.Type = tc.evType
			if tc.payload != "" {
				ev.Payload = json.RawMessage(tc.payload)
			}
			err := ev.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStore_AppendIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ev := validEvent("ev-dup")
	require.NoError(t, store.Append(ctx, ev))
	require.NoError(t, store.Append(ctx, ev), "duplicate append must be a no-op")

	got, err := store.Query(ctx, QueryOpts{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_QueryOrderingAndFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, spec := range []struct {
		id    string
		runID string
		at    time.Time
	}{
		{"ev-c", "run-2", base.Add(3 * time.Second)},
		{"ev-a", "run-1", base.Add(1 * time.Second)},
		{"ev-b", "run-1", base.Add(2 * time.Second)},
	} {
		ev := validEvent(spec.id)
		ev.RunID = spec.runID
		ev.Timestamp = spec.at
		require.NoError(t, store.Append(ctx, ev), "event %d", i)
	}

	all, err := store.Query(ctx, QueryOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ev-a", all[0].ID)
	assert.Equal(t, "ev-b", all[1].ID)
	assert.Equal(t, "ev-c", all[2].ID)

	run1, err := store.Query(ctx, QueryOpts{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, run1, 2)

	// Since is inclusive: an event exactly at the cursor timestamp is
	// redelivered, never skipped.
	since, err := store.Query(ctx, QueryOpts{Since: base.Add(1 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 3)
	assert.Equal(t, "ev-a", since[0].ID)
	assert.Equal(t, "ev-b", since[1].ID)

	limited, err := store.Query(ctx, QueryOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_RejectsInvalidEvents(t *testing.T) {
	store := NewMemoryStore()

	bad := validEvent("ev-bad")
	bad.Type = Type("nonsense")
	assert.Error(t, store.Append(context.Background(), bad))
}

func TestSubjectFor(t *testing.T) {
	ev := validEvent("ev-1")
	ev.RunID = "abc"
	ev.Type = TypePRCreated
	assert.Equal(t, "runs.events.abc.pr.created", subjectFor(ev))
}
