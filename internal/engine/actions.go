package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
	"github.com/fyrsmithlabs/shipd/internal/validator"
	"github.com/fyrsmithlabs/shipd/internal/verify"
	"github.com/fyrsmithlabs/shipd/internal/vcs"
	"github.com/fyrsmithlabs/shipd/internal/worker"
)

// FileLoader fetches the proposed change set contents for the validator
// gate, typically from the PR's head ref.
type FileLoader func(ctx context.Context, run *ledger.Run) ([]validator.File, error)

// Deployer triggers a deployment for a merged run and returns a reference
// to the deployment (workflow run, release id).
type Deployer interface {
	Deploy(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) (string, error)
}

// ActionsConfig wires the standard action implementations.
type ActionsConfig struct {
	Events   eventstore.Store
	Store    ledger.Store
	Executor worker.Executor
	Provider vcs.Provider
	Gate     *validator.Gate
	Verifier *verify.Pipeline
	Deployer Deployer
	Files    FileLoader
	Logger   *zap.Logger

	// Repo is the owner/name the pipeline operates on.
	Repo string
	// BaseBranch is the PR target; HeadPrefix namespaces run branches.
	BaseBranch string
	HeadPrefix string
	// DeployBaseURL is where post-deploy verification probes.
	DeployBaseURL string
}

// Actions holds the standard implementations behind the dispatcher.
type Actions struct {
	cfg   ActionsConfig
	newID func() string
	now   func() time.Time
}

// NewActions builds the standard action set.
func NewActions(cfg ActionsConfig) *Actions {
	if cfg.HeadPrefix == "" {
		cfg.HeadPrefix = "shipd/"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Actions{cfg: cfg, newID: uuid.NewString, now: time.Now}
}

// RegisterAll binds every pipeline action on the dispatcher.
func (a *Actions) RegisterAll(d *Dispatcher) {
	d.Register(pipeline.ActionExecuteWorker, a.ExecuteWorker)
	d.Register(pipeline.ActionCreatePR, a.CreatePR)
	d.Register(pipeline.ActionValidate, a.Validate)
	d.Register(pipeline.ActionMerge, a.Merge)
	d.Register(pipeline.ActionDeploy, a.Deploy)
	d.Register(pipeline.ActionVerify, a.Verify)
}

// ExecuteWorker hands the frozen spec to a worker and reports the outcome
// as worker execution events.
func (a *Actions) ExecuteWorker(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("run %s has no spec snapshot", run.ID)
	}
	if err := a.emit(ctx, run.ID, eventstore.TypeWorkerStarted, eventstore.StatusInfo, "worker execution started", nil); err != nil {
		return err
	}

	res, err := a.cfg.Executor.Execute(ctx, snapshot)
	if err != nil {
		a.emitBestEffort(ctx, run.ID, eventstore.TypeWorkerFailed, eventstore.StatusError, err.Error(), nil)
		return err
	}
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		a.emitBestEffort(ctx, run.ID, eventstore.TypeWorkerFailed, eventstore.StatusError, msg, nil)
		return nil
	}

	payload, err := json.Marshal(eventstore.WorkerResultPayload{
		OK:           true,
		FilesChanged: res.FilesChanged,
		FilesCreated: res.FilesCreated,
		PRNumber:     res.PRNumber,
		PRURL:        res.PRURL,
		Summary:      res.Summary,
	})
	if err != nil {
		return err
	}
	return a.emit(ctx, run.ID, eventstore.TypeWorkerCompleted, eventstore.StatusSuccess, res.Summary, payload)
}

// CreatePR opens the pull request for a run whose worker did not attach
// one itself.
func (a *Actions) CreatePR(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) error {
	title := "pipeline run " + run.ID
	body := ""
	if snapshot != nil {
		title = snapshot.Title
		body = fmt.Sprintf("Automated change for run %s (spec checksum %s).", run.ID, snapshot.Checksum)
	}
	head := a.cfg.HeadPrefix + run.ID

	pr, err := a.cfg.Provider.CreatePullRequest(ctx, a.cfg.Repo, title, body, head, a.cfg.BaseBranch)
	if err != nil {
		a.emitBestEffort(ctx, run.ID, eventstore.TypePRCreateFailed, eventstore.StatusError, err.Error(), nil)
		return err
	}

	payload, merr := json.Marshal(eventstore.PRPayload{PRNumber: pr.Number, PRURL: pr.URL})
	if merr != nil {
		return merr
	}
	return a.emit(ctx, run.ID, eventstore.TypePRCreated, eventstore.StatusSuccess,
		fmt.Sprintf("opened PR #%d", pr.Number), payload)
}

// Validate runs the gate over the change set, records the verdict in the
// ledger first, and only then reports it as an event.
func (a *Actions) Validate(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) error {
	var files []validator.File
	if a.cfg.Files != nil {
		loaded, err := a.cfg.Files(ctx, run)
		if err != nil {
			return fmt.Errorf("load change set: %w", err)
		}
		files = loaded
	}

	result, err := a.cfg.Gate.Run(ctx, validator.Input{Snapshot: snapshot, Files: files})
	if err != nil {
		return err
	}

	if err := a.recordValidator(ctx, run.ID, result); err != nil {
		return fmt.Errorf("record validator result: %w", err)
	}

	if result.Passed {
		if err := a.emit(ctx, run.ID, eventstore.TypeValidationPass, eventstore.StatusSuccess, "validator gate passed", nil); err != nil {
			return err
		}
		a.recheckCI(ctx, run)
		return nil
	}
	return a.emit(ctx, run.ID, eventstore.TypeValidationFail, eventstore.StatusWarning,
		fmt.Sprintf("validator gate failed with %d issues", len(result.Issues)), nil)
}

// recheckCI covers checks finishing before the gate verdict was recorded:
// the merge rule drops a ci.checks.completed event that precedes the
// validator pass, so after recording a pass we ask the provider once and
// re-report green checks ourselves. A lookup failure is not fatal; the
// next webhook delivery drives the merge.
func (a *Actions) recheckCI(ctx context.Context, run *ledger.Run) {
	if a.cfg.Provider == nil {
		return
	}
	checks, err := a.cfg.Provider.CheckRuns(ctx, a.cfg.Repo, a.cfg.HeadPrefix+run.ID)
	if err != nil {
		a.cfg.Logger.Debug("post-validation check-run lookup failed",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	if !checks.AllPassed() {
		return
	}
	a.emitBestEffort(ctx, run.ID, eventstore.TypeChecksCompleted, eventstore.StatusSuccess,
		"checks already green at validation", nil)
}

// Merge lands the run's PR. The dispatcher has already verified the
// recorded validator pass; this re-check keeps the invariant local too.
func (a *Actions) Merge(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) error {
	fresh, err := a.cfg.Store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if fresh.Validator == nil || !fresh.Validator.Passed {
		return fmt.Errorf("run %s: %w", run.ID, ErrValidatorNotRecorded)
	}
	if fresh.PRNumber == 0 {
		return fmt.Errorf("run %s has no PR to merge", run.ID)
	}

	res, err := a.cfg.Provider.Merge(ctx, a.cfg.Repo, fresh.PRNumber, vcs.StrategySquash)
	if err != nil {
		return err
	}
	if !res.Merged {
		a.emitBestEffort(ctx, run.ID, eventstore.TypeMergeFailed, eventstore.StatusError, res.Reason, nil)
		return nil
	}

	payload, merr := json.Marshal(eventstore.MergePayload{SHA: res.SHA})
	if merr != nil {
		return merr
	}
	return a.emit(ctx, run.ID, eventstore.TypeMergeCompleted, eventstore.StatusSuccess,
		"merged as "+res.SHA, payload)
}

// Deploy triggers the deployment and reports its reference.
func (a *Actions) Deploy(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) error {
	if err := a.emit(ctx, run.ID, eventstore.TypeDeployStarted, eventstore.StatusInfo, "deployment started", nil); err != nil {
		return err
	}
	ref, err := a.cfg.Deployer.Deploy(ctx, run, snapshot)
	if err != nil {
		a.emitBestEffort(ctx, run.ID, eventstore.TypeDeployFailed, eventstore.StatusError, err.Error(), nil)
		return err
	}
	payload, merr := json.Marshal(eventstore.DeployPayload{WorkflowRef: ref})
	if merr != nil {
		return merr
	}
	return a.emit(ctx, run.ID, eventstore.TypeDeployCompleted, eventstore.StatusSuccess,
		"deployed via "+ref, payload)
}

// Verify probes the live deployment and records the result. A failed
// liveness probe fails the run; failing acceptance assertions withhold
// the pass instead, holding the run in verifying until a re-probe sees
// the deployment settled.
func (a *Actions) Verify(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) error {
	result, err := a.cfg.Verifier.Run(ctx, snapshot, a.cfg.DeployBaseURL)
	if err != nil {
		return err
	}
	if err := a.recordVerification(ctx, run.ID, result); err != nil {
		return fmt.Errorf("record verification result: %w", err)
	}

	switch {
	case !result.Live:
		return a.emit(ctx, run.ID, eventstore.TypeVerifyFailed, eventstore.StatusError,
			"deployment failed liveness verification", nil)
	case !result.AssertionsOK:
		a.cfg.Logger.Warn("verification pass withheld: acceptance assertions failing",
			zap.String("run_id", run.ID),
			zap.Int("issues", len(result.Issues)),
		)
		return nil
	default:
		return a.emit(ctx, run.ID, eventstore.TypeVerifyPassed, eventstore.StatusSuccess, "deployment verified", nil)
	}
}

func (a *Actions) recordValidator(ctx context.Context, runID string, result *ledger.ValidatorResult) error {
	return a.casRun(ctx, runID, func(run *ledger.Run) { run.Validator = result })
}

func (a *Actions) recordVerification(ctx context.Context, runID string, result *ledger.VerificationResult) error {
	return a.casRun(ctx, runID, func(run *ledger.Run) { run.Verification = result })
}

func (a *Actions) casRun(ctx context.Context, runID string, mutate func(*ledger.Run)) error {
	for {
		run, err := a.cfg.Store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		mutate(run)
		err = a.cfg.Store.UpdateRun(ctx, run)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrRevisionConflict) {
			return err
		}
	}
}

func (a *Actions) emit(ctx context.Context, runID string, typ eventstore.Type, status eventstore.Status, message string, payload json.RawMessage) error {
	return a.cfg.Events.Append(ctx, eventstore.Event{
		ID:        a.newID(),
		Type:      typ,
		RunID:     runID,
		Status:    status,
		Message:   message,
		Payload:   payload,
		Timestamp: a.now().UTC(),
	})
}

func (a *Actions) emitBestEffort(ctx context.Context, runID string, typ eventstore.Type, status eventstore.Status, message string, payload json.RawMessage) {
	if err := a.emit(ctx, runID, typ, status, message, payload); err != nil {
		a.cfg.Logger.Error("failed to emit event",
			zap.String("run_id", runID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
