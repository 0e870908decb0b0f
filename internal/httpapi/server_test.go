package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
)

func newTestServer(t *testing.T) (*Server, *eventstore.MemoryStore, *ledger.MemoryStore) {
	t.Helper()
	events := eventstore.NewMemoryStore()
	store := ledger.NewMemoryStore()
	s, err := NewServer(events, store, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return s, events, store
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestStartRunAllocates(t *testing.T) {
	s, events, store := newTestServer(t)

	rec := do(s, http.MethodPost, "/runs/run-1/start",
		`{"vtid":"VT-100","title":"Add health endpoint","spec_text":"MUST create endpoint /healthz","domain":"api"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.OK)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateAllocated, run.State)
	assert.Equal(t, "VT-100", run.VTID)

	snap, err := store.GetSnapshot(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NoError(t, snap.Verify())

	evs, err := events.Query(context.Background(), eventstore.QueryOpts{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, eventstore.TypeRunAllocated, evs[0].Type)
}

func TestStartRunRejectsDuplicate(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := `{"title":"t","spec_text":"s"}`

	require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/runs/run-1/start", body).Code)
	rec := do(s, http.MethodPost, "/runs/run-1/start", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run_exists", decodeEnvelope(t, rec).Code)
}

func TestStartRunValidatesBody(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/runs/run-1/start", `{"title":"t"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/runs/run-2/start", `{"spec_text":"s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	s, _, store := newTestServer(t)
	require.NoError(t, store.CreateRun(context.Background(), ledger.NewRun("run-1", "VT-1", time.Now())))

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/runs/run-1", "").Code)

	rec := do(s, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "run_not_found", decodeEnvelope(t, rec).Code)
}

func TestListRunsWithStateFilter(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()

	a := ledger.NewRun("run-a", "VT-1", time.Now())
	require.NoError(t, store.CreateRun(ctx, a))
	b := ledger.NewRun("run-b", "VT-2", time.Now())
	b.State = pipeline.StateReviewing
	require.NoError(t, store.CreateRun(ctx, b))

	rec := do(s, http.MethodGet, "/runs?state=reviewing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []ledger.Run `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, "run-b", env.Data[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/runs?state=bogus", "").Code)
}

func TestRequestValidationRequiresReviewing(t *testing.T) {
	s, events, store := newTestServer(t)
	ctx := context.Background()

	run := ledger.NewRun("run-1", "VT-1", time.Now())
	run.State = pipeline.StateReviewing
	require.NoError(t, store.CreateRun(ctx, run))

	rec := do(s, http.MethodPost, "/runs/run-1/validate", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	evs, err := events.Query(ctx, eventstore.QueryOpts{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, eventstore.TypeValidationReq, evs[0].Type)

	other := ledger.NewRun("run-2", "VT-2", time.Now())
	require.NoError(t, store.CreateRun(ctx, other))
	rec = do(s, http.MethodPost, "/runs/run-2/validate", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "wrong_state", decodeEnvelope(t, rec).Code)
}

func TestRequestVerificationReprobesHeldRun(t *testing.T) {
	s, events, store := newTestServer(t)
	ctx := context.Background()

	// A run held in verifying by failing acceptance assertions can be
	// re-probed once the deployment settles.
	run := ledger.NewRun("run-1", "VT-1", time.Now())
	run.State = pipeline.StateVerifying
	require.NoError(t, store.CreateRun(ctx, run))

	rec := do(s, http.MethodPost, "/runs/run-1/verify", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	evs, err := events.Query(ctx, eventstore.QueryOpts{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, eventstore.TypeDeployCompleted, evs[0].Type)

	other := ledger.NewRun("run-2", "VT-2", time.Now())
	other.State = pipeline.StateReviewing
	require.NoError(t, store.CreateRun(ctx, other))
	rec = do(s, http.MethodPost, "/runs/run-2/verify", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "wrong_state", decodeEnvelope(t, rec).Code)
}

func TestIngestEvent(t *testing.T) {
	s, events, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/events",
		`{"type":"ci.checks.completed","run_id":"run-1","status":"success"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	evs, err := events.Query(context.Background(), eventstore.QueryOpts{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, eventstore.TypeChecksCompleted, evs[0].Type)
	assert.NotEmpty(t, evs[0].ID, "server assigns an id when the caller omits one")
}

func TestIngestEventRejectsUnknownType(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/events", `{"type":"made.up","run_id":"run-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_event", decodeEnvelope(t, rec).Code)
}

func TestIngestEventRejectsActionLifecycleTypes(t *testing.T) {
	s, events, _ := newTestServer(t)

	// The dispatcher is the only writer of the action audit trail; letting
	// callers forge a terminal action event would bypass the
	// started-before-terminal contract.
	for _, typ := range []string{"action.started", "action.completed", "action.failed"} {
		rec := do(s, http.MethodPost, "/events",
			`{"type":"`+typ+`","run_id":"run-1","payload":{"instance_id":"i","action_type":"merge","payload_hash":"h"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, typ)
		assert.Equal(t, "reserved_event_type", decodeEnvelope(t, rec).Code, typ)
	}

	evs, err := events.Query(context.Background(), eventstore.QueryOpts{RunID: "run-1"})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestIngestEventIdempotentOnID(t *testing.T) {
	s, events, _ := newTestServer(t)
	body := `{"id":"evt-1","type":"ci.checks.completed","run_id":"run-1","status":"success"}`

	require.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/events", body).Code)
	require.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/events", body).Code)

	evs, err := events.Query(context.Background(), eventstore.QueryOpts{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, evs, 1, "redelivered event id stored once")
}

func TestGetSpec(t *testing.T) {
	s, _, store := newTestServer(t)
	snap := ledger.NewSnapshot("run-1", "t", "spec body", "api", nil, time.Now())
	_, err := store.CreateSnapshot(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/spec/run-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/spec/none", "").Code)
}

func TestHealthReportsLoopState(t *testing.T) {
	s, _, store := newTestServer(t)

	rec := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Loop)

	state, err := store.GetLoopState(context.Background())
	require.NoError(t, err)
	state.Running = true
	require.NoError(t, store.PutLoopState(context.Background(), state))

	rec = do(s, http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.True(t, health.Loop)
}
