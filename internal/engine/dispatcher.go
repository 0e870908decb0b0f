package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
)

// ErrValidatorNotRecorded blocks merge dispatch when the ledger carries no
// validator pass for the run.
var ErrValidatorNotRecorded = errors.New("no validator pass recorded in ledger")

// ActionFunc performs one pipeline action for a run. The dispatcher
// retries it on failure, so implementations must tolerate repetition.
type ActionFunc func(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) error

// Dispatcher executes mapped actions with per-(run, action) bounded
// retries. Attempt counts live on the run record, so retry budgets
// survive restarts and are shared across instances.
type Dispatcher struct {
	store     ledger.Store
	lifecycle *Lifecycle
	logger    *zap.Logger
	metrics   *Metrics

	actions     map[pipeline.Action]ActionFunc
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
}

// NewDispatcher returns a dispatcher with no actions registered.
func NewDispatcher(store ledger.Store, lifecycle *Lifecycle, logger *zap.Logger, metrics *Metrics, maxAttempts int, baseDelay time.Duration) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Dispatcher{
		store:       store,
		lifecycle:   lifecycle,
		logger:      logger,
		metrics:     metrics,
		actions:     make(map[pipeline.Action]ActionFunc),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    time.Minute,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Register binds an action to its implementation.
func (d *Dispatcher) Register(action pipeline.Action, fn ActionFunc) {
	d.actions[action] = fn
}

// WithMaxDelay caps the re-arm delay between attempts.
func (d *Dispatcher) WithMaxDelay(max time.Duration) *Dispatcher {
	if max > 0 {
		d.maxDelay = max
	}
	return d
}

// Dispatch runs the action for a run until it succeeds or the attempt
// budget is spent. Exhaustion marks the run failed with code
// retries_exhausted. An ambiguous outcome stops retrying immediately:
// repeating an action whose effect may have landed is worse than stalling.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, action pipeline.Action) error {
	fn, ok := d.actions[action]
	if !ok {
		return fmt.Errorf("no implementation registered for action %s", action)
	}

	var lastErr error
	for {
		run, err := d.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State.Terminal() {
			return nil
		}

		attempt, err := d.bumpAttempt(ctx, run, action)
		if err != nil {
			return err
		}
		if attempt > d.maxAttempts {
			d.metrics.dispatch(ctx, string(action), "exhausted")
			d.metrics.runFailed(ctx, ledger.CodeRetriesExhausted)
			return d.failRun(ctx, runID, action, lastErr)
		}
		if attempt > 1 {
			delay := ledger.RearmDelay(d.baseDelay, d.maxDelay, attempt-1)
			d.logger.Info("re-arming action after failure",
				zap.String("run_id", runID),
				zap.String("action", string(action)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := d.sleep(ctx, delay); err != nil {
				return err
			}
		}

		snapshot, err := d.store.GetSnapshot(ctx, runID)
		if err != nil && !errors.Is(err, ledger.ErrSnapshotNotFound) {
			return err
		}

		if action == pipeline.ActionMerge {
			// The gate's verdict is trusted only from the ledger, never
			// from whatever event triggered this dispatch.
			if err := d.requireValidatorPass(ctx, runID); err != nil {
				d.metrics.dispatch(ctx, string(action), "rejected")
				return err
			}
		}

		payload, _ := json.Marshal(map[string]any{
			"run_id": runID,
			"action": string(action),
		})
		execErr := d.lifecycle.Execute(ctx, runID, string(action), attempt, payload, func(ctx context.Context) error {
			return fn(ctx, run, snapshot)
		})
		if execErr == nil {
			d.metrics.dispatch(ctx, string(action), "ok")
			return nil
		}
		if errors.Is(execErr, ErrAmbiguousOutcome) {
			d.metrics.dispatch(ctx, string(action), "ambiguous")
			return execErr
		}
		if ctx.Err() != nil {
			return execErr
		}
		d.metrics.dispatch(ctx, string(action), "error")
		d.logger.Warn("action attempt failed",
			zap.String("run_id", runID),
			zap.String("action", string(action)),
			zap.Int("attempt", attempt),
			zap.Error(execErr),
		)
		lastErr = execErr
	}
}

// bumpAttempt persists the incremented attempt counter with CAS, retrying
// on conflict with a fresh read.
func (d *Dispatcher) bumpAttempt(ctx context.Context, run *ledger.Run, action pipeline.Action) (int, error) {
	for {
		if run.Attempts == nil {
			run.Attempts = make(map[string]int)
		}
		attempt := run.Attempts[string(action)] + 1
		run.Attempts[string(action)] = attempt
		err := d.store.UpdateRun(ctx, run)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, ledger.ErrRevisionConflict) {
			return 0, err
		}
		fresh, gerr := d.store.GetRun(ctx, run.ID)
		if gerr != nil {
			return 0, gerr
		}
		run = fresh
	}
}

func (d *Dispatcher) requireValidatorPass(ctx context.Context, runID string) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Validator == nil || !run.Validator.Passed {
		return fmt.Errorf("run %s: %w", runID, ErrValidatorNotRecorded)
	}
	return nil
}

func (d *Dispatcher) failRun(ctx context.Context, runID string, action pipeline.Action, lastErr error) error {
	message := fmt.Sprintf("action %s exhausted %d attempts", action, d.maxAttempts)
	if lastErr != nil {
		message = fmt.Sprintf("%s: %v", message, lastErr)
	}
	for {
		run, err := d.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State.Terminal() {
			return nil
		}
		run.Fail(ledger.CodeRetriesExhausted, message, d.now().UTC())
		err = d.store.UpdateRun(ctx, run)
		if err == nil {
			d.logger.Error("run failed: retries exhausted",
				zap.String("run_id", runID),
				zap.String("action", string(action)),
			)
			return nil
		}
		if !errors.Is(err, ledger.ErrRevisionConflict) {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
