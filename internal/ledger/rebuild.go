package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
)

// Rebuild reconstructs a run record by folding its event history through
// the same transition table the live loop uses. Events that do not match
// from the replayed state are skipped, exactly as the loop skips them, so
// replaying a history produces the same ledger row the loop produced and
// replaying it twice produces the same row again.
func Rebuild(runID, vtid string, events []eventstore.Event) (*Run, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("rebuild run %s: no events", runID)
	}

	mapper := pipeline.NewMapper()
	run := NewRun(runID, vtid, events[0].Timestamp)

	for _, ev := range events {
		if ev.RunID != runID {
			continue
		}
		view := pipeline.EventView{Type: string(ev.Type), Payload: ev.Payload}
		tr, err := mapper.Match(view, run.View())
		if err != nil {
			if errors.Is(err, pipeline.ErrNoMatch) || errors.Is(err, pipeline.ErrTerminalState) {
				continue
			}
			return nil, fmt.Errorf("rebuild run %s: event %s (%s): %w", runID, ev.ID, ev.Type, err)
		}
		run.Absorb(ev)
		if tr.To == pipeline.StateFailed && run.ErrorCode == "" {
			run.ErrorCode = CodeWorkerFailed
			run.ErrorMessage = ev.Message
		}
		run.ApplyTransition(tr.To, ev.Timestamp)
	}
	return run, nil
}

// RebuildFromStore queries a run's full history from the event store and
// rebuilds its ledger row.
func RebuildFromStore(ctx context.Context, es eventstore.Store, runID, vtid string) (*Run, error) {
	events, err := es.Query(ctx, eventstore.QueryOpts{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("rebuild run %s: query events: %w", runID, err)
	}
	return Rebuild(runID, vtid, events)
}
