// Package engine drives runs through the pipeline: the loop polls the
// event store from a persisted cursor, maps each event to a transition
// against the run's ledger state, persists the transition, and dispatches
// the mapped action under the lifecycle contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
)

// Outcomes recorded per consumed event.
const (
	outcomeApplied    = "applied"
	outcomeDuplicate  = "duplicate"
	outcomeNoMatch    = "no_match"
	outcomeUnknownRun = "unknown_run"
	outcomeRejected   = "rejected"
)

// Loop is the orchestration poll loop. One logical loop exists per
// deployment; multiple instances may run it concurrently because every
// write underneath is revision-checked.
type Loop struct {
	events     eventstore.Store
	store      ledger.Store
	mapper     *pipeline.Mapper
	dispatcher *Dispatcher
	locker     *ledger.Locker
	logger     *zap.Logger
	metrics    *Metrics

	interval time.Duration
	window   time.Duration
	now      func() time.Time

	wg sync.WaitGroup
}

// NewLoop wires the loop. interval is the poll period, window the rolling
// health-counter window.
func NewLoop(events eventstore.Store, store ledger.Store, dispatcher *Dispatcher, locker *ledger.Locker, logger *zap.Logger, metrics *Metrics, interval, window time.Duration) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Loop{
		events:     events,
		store:      store,
		mapper:     pipeline.NewMapper(),
		dispatcher: dispatcher,
		locker:     locker,
		logger:     logger,
		metrics:    metrics,
		interval:   interval,
		window:     window,
		now:        time.Now,
	}
}

// Run polls until the context is canceled, then waits for in-flight
// dispatches, releases nothing it does not hold, and marks the loop
// stopped in the ledger.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("orchestration loop starting", zap.Duration("interval", l.interval))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("orchestration loop stopping")
			l.wg.Wait()
			l.markStopped()
			return ctx.Err()
		case <-ticker.C:
			start := l.now()
			if err := l.cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error("poll cycle failed", zap.Error(err))
			}
			l.metrics.cycle(ctx, l.now().Sub(start))
		}
	}
}

// cycle performs one poll: query events past the cursor, process each in
// order, and persist the advanced cursor. A persist failure mid-batch
// stops the batch with the cursor pointing at the last fully processed
// event, so the failed event is redelivered next cycle.
func (l *Loop) cycle(ctx context.Context) error {
	state, err := l.store.GetLoopState(ctx)
	if err != nil {
		return fmt.Errorf("load loop state: %w", err)
	}

	events, err := l.events.Query(ctx, eventstore.QueryOpts{Since: state.Cursor.LastEventTime})
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	var (
		processed int
		errs      int
		cycleErr  error
	)
	cursor := state.Cursor
	for _, ev := range events {
		if ev.ID == cursor.LastEventID {
			continue
		}
		if err := l.process(ctx, ev); err != nil {
			errs++
			cycleErr = fmt.Errorf("event %s (%s): %w", ev.ID, ev.Type, err)
			break
		}
		processed++
		cursor = ledger.Cursor{LastEventID: ev.ID, LastEventTime: ev.Timestamp}
	}

	if err := l.persistState(ctx, cursor, processed, errs); err != nil {
		return errors.Join(cycleErr, fmt.Errorf("persist loop state: %w", err))
	}
	return cycleErr
}

// process handles one event end to end. A nil return means the cursor may
// advance past the event; an error means the event must be redelivered.
func (l *Loop) process(ctx context.Context, ev eventstore.Event) error {
	done, err := l.store.Processed(ctx, ev.ID)
	if err != nil {
		return err
	}
	if done {
		l.metrics.event(ctx, outcomeDuplicate)
		return nil
	}

	run, err := l.store.GetRun(ctx, ev.RunID)
	if err != nil {
		if errors.Is(err, ledger.ErrRunNotFound) {
			l.metrics.event(ctx, outcomeUnknownRun)
			l.logger.Debug("event for unknown run skipped",
				zap.String("event_id", ev.ID), zap.String("run_id", ev.RunID))
			return nil
		}
		return err
	}

	evView := pipeline.EventView{Type: string(ev.Type), Payload: ev.Payload}
	tr, err := l.mapper.Match(evView, run.View())
	if err != nil {
		l.recordMatchFailure(ctx, ev, run.State, err)
		return nil
	}

	// ErrLockHeld aborts too: another instance is on this run, and
	// redelivery will pick the event back up once the lock clears.
	locked, err := l.locker.Acquire(ctx, ev.RunID)
	if err != nil {
		return err
	}

	// The lock read is newer than the match read. If another instance
	// moved the run in between, the verdict above is stale; re-match
	// against the locked row so the concurrent transition (a failure,
	// above all) is never overwritten.
	if locked.State != run.State {
		tr, err = l.mapper.Match(evView, locked.View())
		if err != nil {
			if rerr := l.locker.Release(ctx, ev.RunID); rerr != nil {
				l.logger.Warn("lock release failed", zap.String("run_id", ev.RunID), zap.Error(rerr))
			}
			l.recordMatchFailure(ctx, ev, locked.State, err)
			return nil
		}
	}

	locked.Absorb(ev)
	locked.ApplyTransition(tr.To, ev.Timestamp)
	if err := l.store.UpdateRun(ctx, locked); err != nil {
		_ = l.locker.Release(ctx, ev.RunID)
		return fmt.Errorf("persist transition to %s: %w", tr.To, err)
	}

	// Marked only after the transition is durable: a crash in between
	// redelivers the event, which the forward-only table then ignores.
	if _, err := l.store.MarkProcessed(ctx, ev.ID); err != nil {
		_ = l.locker.Release(ctx, ev.RunID)
		return err
	}
	if err := l.locker.Release(ctx, ev.RunID); err != nil {
		l.logger.Warn("lock release failed", zap.String("run_id", ev.RunID), zap.Error(err))
	}

	l.metrics.event(ctx, outcomeApplied)
	l.metrics.transition(ctx, string(tr.To))
	if tr.To == pipeline.StateFailed {
		l.metrics.runFailed(ctx, locked.ErrorCode)
	}
	l.logger.Info("run transitioned",
		zap.String("run_id", ev.RunID),
		zap.String("event_type", string(ev.Type)),
		zap.String("to", string(tr.To)),
		zap.String("action", string(tr.Action)),
	)

	if tr.Action != pipeline.ActionNone {
		// Dispatched actions run to completion on their own timeouts;
		// shutdown waits for them instead of cancelling mid-flight, so an
		// effect that already landed is never abandoned half-reported.
		dctx := context.WithoutCancel(ctx)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.dispatcher.Dispatch(dctx, ev.RunID, tr.Action); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error("action dispatch failed",
					zap.String("run_id", ev.RunID),
					zap.String("action", string(tr.Action)),
					zap.Error(err),
				)
			}
		}()
	}
	return nil
}

// recordMatchFailure classifies a mapper miss: silent drops for events
// that simply do not apply, a warning for defect signals.
func (l *Loop) recordMatchFailure(ctx context.Context, ev eventstore.Event, state pipeline.State, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNoMatch), errors.Is(err, pipeline.ErrTerminalState):
		l.metrics.event(ctx, outcomeNoMatch)
	default:
		// Backward transitions and unknown states are defect signals,
		// not routine noise.
		l.metrics.event(ctx, outcomeRejected)
		l.logger.Warn("event rejected by transition table",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("run_id", ev.RunID),
			zap.String("run_state", string(state)),
			zap.Error(err),
		)
	}
}

// persistState folds this cycle's deltas into the loop singleton,
// re-reading and retrying on conflict with a concurrent instance. The
// later cursor wins.
func (l *Loop) persistState(ctx context.Context, cursor ledger.Cursor, processed, errs int) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var state *ledger.LoopState
		state, err = l.store.GetLoopState(ctx)
		if err != nil {
			return err
		}
		state.RollWindow(l.now(), l.window)
		state.Running = true
		if cursor.LastEventTime.After(state.Cursor.LastEventTime) {
			state.Cursor = cursor
		}
		state.EventsProcessed += processed
		state.Errors += errs
		err = l.store.PutLoopState(ctx, state)
		if !errors.Is(err, ledger.ErrRevisionConflict) {
			return err
		}
	}
	return err
}

func (l *Loop) markStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := l.store.GetLoopState(ctx)
	if err != nil {
		return
	}
	state.Running = false
	if err := l.store.PutLoopState(ctx, state); err != nil {
		l.logger.Warn("failed to mark loop stopped", zap.Error(err))
	}
}
