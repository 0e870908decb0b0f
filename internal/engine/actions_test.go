package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
	"github.com/fyrsmithlabs/shipd/internal/validator"
	"github.com/fyrsmithlabs/shipd/internal/verify"
	"github.com/fyrsmithlabs/shipd/internal/vcs"
	"github.com/fyrsmithlabs/shipd/internal/worker"
)

type fakeExecutor struct {
	result *worker.Result
	err    error
}

func (f *fakeExecutor) Execute(context.Context, *ledger.SpecSnapshot) (*worker.Result, error) {
	return f.result, f.err
}

type fakeProvider struct {
	prs    int
	merges int
	checks vcs.CheckStatus
}

func (f *fakeProvider) CreatePullRequest(_ context.Context, _, _, _, head, base string) (*vcs.PullRequest, error) {
	f.prs++
	return &vcs.PullRequest{Number: 7, URL: "https://github.com/acme/site/pull/7", Head: head, Base: base}, nil
}

// CheckRuns reports whatever the test configured; the zero value models
// CI that has not started yet.
func (f *fakeProvider) CheckRuns(context.Context, string, string) (*vcs.CheckStatus, error) {
	c := f.checks
	return &c, nil
}

func (f *fakeProvider) Merge(context.Context, string, int, string) (*vcs.MergeResult, error) {
	f.merges++
	return &vcs.MergeResult{Merged: true, SHA: "cafebabe"}, nil
}

type fakeDeployer struct{ deploys int }

func (f *fakeDeployer) Deploy(context.Context, *ledger.Run, *ledger.SpecSnapshot) (string, error) {
	f.deploys++
	return "deploy.yml#1", nil
}

type pipelineHarness struct {
	*loopHarness
	provider *fakeProvider
	deployer *fakeDeployer
}

// newPipelineHarness wires the real actions behind the loop, with fakes
// only at the process boundaries (worker, VCS host, deploy trigger) and a
// real HTTP target for verification.
func newPipelineHarness(t *testing.T, store ledger.Store, exec worker.Executor) *pipelineHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := NewMetrics(logger)
	events := eventstore.NewMemoryStore()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.URL.Path != "/" && r.URL.Path != "/healthz" {
			w.WriteHeader(404)
			return
		}
		w.WriteHeader(200)
	})
	target := httptest.NewServer(mux)
	t.Cleanup(target.Close)

	gate, err := validator.NewGate(logger, nil)
	require.NoError(t, err)
	verifier := verify.NewPipeline(logger, 1, time.Millisecond)

	provider := &fakeProvider{}
	deployer := &fakeDeployer{}
	actions := NewActions(ActionsConfig{
		Events:   events,
		Store:    store,
		Executor: exec,
		Provider: provider,
		Gate:     gate,
		Verifier: verifier,
		Deployer: deployer,
		Files: func(context.Context, *ledger.Run) ([]validator.File, error) {
			return []validator.File{{Path: "internal/server/health.go", Content: "package server\n"}}, nil
		},
		Logger:        logger,
		Repo:          "acme/site",
		DeployBaseURL: target.URL,
	})

	lc := NewLifecycle(events, store, logger)
	d := NewDispatcher(store, lc, logger, metrics, 3, time.Millisecond)
	d.sleep = noSleep
	actions.RegisterAll(d)

	locker := ledger.NewLocker(store, "test-instance", time.Minute)
	h := &loopHarness{events: events, store: store, loop: NewLoop(events, store, d, locker, logger, metrics, 10*time.Millisecond, time.Hour)}
	return &pipelineHarness{loopHarness: h, provider: provider, deployer: deployer}
}

// drain cycles until the run reaches a terminal state or stops moving.
func (h *pipelineHarness) drain(t *testing.T, runID string) *ledger.Run {
	t.Helper()
	ctx := context.Background()
	var last pipeline.State
	for i := 0; i < 25; i++ {
		require.NoError(t, h.cycle(t))
		run, err := h.store.GetRun(ctx, runID)
		require.NoError(t, err)
		if run.State.Terminal() {
			return run
		}
		if run.State == last && i > 20 {
			return run
		}
		last = run.State
	}
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	return run
}

func seedAllocatedRun(t *testing.T, store ledger.Store, events eventstore.Store) {
	t.Helper()
	seedRunWithSpec(t, store, events, "The service MUST create endpoint /healthz")
}

func seedRunWithSpec(t *testing.T, store ledger.Store, events eventstore.Store, specText string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, ledger.NewRun("run-1", "VT-100", loopT0)))
	snap := ledger.NewSnapshot("run-1", "Add health endpoint", specText, "api", nil, loopT0)
	_, err := store.CreateSnapshot(ctx, snap)
	require.NoError(t, err)
	require.NoError(t, events.Append(ctx, eventstore.Event{
		ID:        "evt-alloc",
		Type:      eventstore.TypeRunAllocated,
		RunID:     "run-1",
		Status:    eventstore.StatusInfo,
		Timestamp: loopT0,
	}))
}

func TestFullPipelineHappyPath(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	exec := &fakeExecutor{result: &worker.Result{
		OK:           true,
		FilesCreated: []string{"internal/server/health.go"},
		Summary:      "added /healthz",
	}}
	h := newPipelineHarness(t, store, exec)
	seedAllocatedRun(t, store, h.events)

	// Advance until the run waits on external CI, then feed the CI event
	// the way a webhook would.
	run := h.drain(t, "run-1")
	require.Equal(t, pipeline.StateValidated, run.State)
	require.NotNil(t, run.Validator)
	assert.True(t, run.Validator.Passed)
	assert.Equal(t, 7, run.PRNumber)

	require.NoError(t, h.events.Append(ctx, eventstore.Event{
		ID:        "evt-ci",
		Type:      eventstore.TypeChecksCompleted,
		RunID:     "run-1",
		Status:    eventstore.StatusSuccess,
		Timestamp: time.Now().UTC(),
	}))

	run = h.drain(t, "run-1")
	assert.Equal(t, pipeline.StateCompleted, run.State)
	assert.Equal(t, "cafebabe", run.MergeSHA)
	assert.Equal(t, "deploy.yml#1", run.DeployRef)
	require.NotNil(t, run.Verification)
	assert.True(t, run.Verification.Live)
	require.NotNil(t, run.CompletedAt)

	assert.Equal(t, 1, h.provider.prs)
	assert.Equal(t, 1, h.provider.merges)
	assert.Equal(t, 1, h.deployer.deploys)
}

func TestPipelineValidationRechecksFinishedCI(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	exec := &fakeExecutor{result: &worker.Result{
		OK:           true,
		FilesCreated: []string{"internal/server/health.go"},
		Summary:      "added /healthz",
	}}
	h := newPipelineHarness(t, store, exec)
	h.provider.checks = vcs.CheckStatus{Total: 2, Completed: 2}
	seedAllocatedRun(t, store, h.events)

	// CI finished before the gate verdict existed, so its webhook event
	// is dropped as a no-match; the post-validation re-check must still
	// get the run merged.
	require.NoError(t, h.events.Append(ctx, eventstore.Event{
		ID:        "evt-ci-early",
		Type:      eventstore.TypeChecksCompleted,
		RunID:     "run-1",
		Status:    eventstore.StatusSuccess,
		Timestamp: loopT0.Add(time.Millisecond),
	}))

	run := h.drain(t, "run-1")
	assert.Equal(t, pipeline.StateCompleted, run.State)
	assert.Equal(t, 1, h.provider.merges)
	assert.Equal(t, "cafebabe", run.MergeSHA)
}

func TestPipelineAssertionFailureHoldsVerifying(t *testing.T) {
	store := ledger.NewMemoryStore()
	exec := &fakeExecutor{result: &worker.Result{OK: true, Summary: "orders api"}}
	h := newPipelineHarness(t, store, exec)
	h.provider.checks = vcs.CheckStatus{Total: 1, Completed: 1}
	// The deployed target 404s /api/orders, so the acceptance assertion
	// fails while the service itself is live.
	seedRunWithSpec(t, store, h.events, "The service MUST create endpoint /api/orders")

	run := h.drain(t, "run-1")
	assert.Equal(t, pipeline.StateVerifying, run.State, "pass is withheld while assertions fail")
	require.NotNil(t, run.Verification)
	assert.True(t, run.Verification.Live)
	assert.False(t, run.Verification.AssertionsOK)
	assert.NotEmpty(t, run.Verification.Issues)
}

func TestPipelineWorkerFailureFailsRun(t *testing.T) {
	store := ledger.NewMemoryStore()
	exec := &fakeExecutor{result: &worker.Result{OK: false, Error: "sandbox OOM"}}
	h := newPipelineHarness(t, store, exec)
	seedAllocatedRun(t, store, h.events)

	run := h.drain(t, "run-1")
	assert.Equal(t, pipeline.StateFailed, run.State)
	assert.Equal(t, ledger.CodeWorkerFailed, run.ErrorCode)
	assert.Equal(t, "sandbox OOM", run.ErrorMessage)
}

func TestPipelineWorkerAttachedPRSkipsCreate(t *testing.T) {
	store := ledger.NewMemoryStore()
	exec := &fakeExecutor{result: &worker.Result{
		OK:       true,
		PRNumber: 99,
		PRURL:    "https://github.com/acme/site/pull/99",
		Summary:  "opened PR itself",
	}}
	h := newPipelineHarness(t, store, exec)
	seedAllocatedRun(t, store, h.events)

	run := h.drain(t, "run-1")
	assert.Equal(t, pipeline.StatePRCreated, run.State, "waits for external pr.created confirmation")
	assert.Equal(t, 99, run.PRNumber)
	assert.Zero(t, h.provider.prs, "create_pr must not dispatch when the worker attached a PR")
}
