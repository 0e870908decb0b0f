package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

// ErrAmbiguousOutcome means the action ran but its terminal event could
// not be written: the side effect may or may not be visible downstream.
// Callers must not blindly retry the action.
var ErrAmbiguousOutcome = errors.New("action outcome ambiguous: executed but terminal event not recorded")

// ErrTerminalWithoutStart rejects a terminal lifecycle event for an
// instance that never durably recorded a start.
var ErrTerminalWithoutStart = errors.New("terminal lifecycle event without recorded start")

// Lifecycle brackets every side-effecting action between a durable
// action.started event and exactly one terminal event carrying the same
// instance ID and payload hash. If the start cannot be recorded the
// action never runs.
type Lifecycle struct {
	events eventstore.Store
	store  ledger.Store
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

// NewLifecycle wires the contract against the event store and ledger.
func NewLifecycle(events eventstore.Store, store ledger.Store, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		events: events,
		store:  store,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// HashPayload returns the hex sha256 of an action payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Execute runs fn under the lifecycle contract for one action attempt.
func (l *Lifecycle) Execute(ctx context.Context, runID, actionType string, attempt int, payload []byte, fn func(context.Context) error) error {
	instanceID := l.newID()
	hash := HashPayload(payload)

	if err := l.appendStarted(ctx, runID, actionType, instanceID, hash, attempt); err != nil {
		return fmt.Errorf("record action start: %w", err)
	}

	execErr := fn(ctx)

	terminalType := eventstore.TypeActionCompleted
	status := eventstore.StatusSuccess
	message := actionType + " completed"
	errText := ""
	if execErr != nil {
		terminalType = eventstore.TypeActionFailed
		status = eventstore.StatusError
		message = actionType + " failed"
		errText = execErr.Error()
	}

	if err := l.appendTerminal(ctx, runID, terminalType, status, message, eventstore.ActionPayload{
		InstanceID:  instanceID,
		ActionType:  actionType,
		PayloadHash: hash,
		Attempt:     attempt,
		Error:       errText,
	}); err != nil {
		l.logger.Error("terminal lifecycle event not recorded",
			zap.String("run_id", runID),
			zap.String("action", actionType),
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s attempt %d on run %s", ErrAmbiguousOutcome, actionType, attempt, runID)
	}
	return execErr
}

func (l *Lifecycle) appendStarted(ctx context.Context, runID, actionType, instanceID, hash string, attempt int) error {
	payload, err := json.Marshal(eventstore.ActionPayload{
		InstanceID:  instanceID,
		ActionType:  actionType,
		PayloadHash: hash,
		Attempt:     attempt,
	})
	if err != nil {
		return err
	}
	ev := eventstore.Event{
		ID:        l.newID(),
		Type:      eventstore.TypeActionStarted,
		RunID:     runID,
		Status:    eventstore.StatusInfo,
		Message:   actionType + " started",
		Payload:   payload,
		Timestamp: l.now().UTC(),
	}
	if err := l.events.Append(ctx, ev); err != nil {
		return err
	}
	// The durable marker is what terminal appends are checked against.
	return l.store.MarkActionStarted(ctx, instanceID, hash)
}

func (l *Lifecycle) appendTerminal(ctx context.Context, runID string, typ eventstore.Type, status eventstore.Status, message string, p eventstore.ActionPayload) error {
	recorded, err := l.store.ActionStarted(ctx, p.InstanceID)
	if err != nil {
		if errors.Is(err, ledger.ErrActionNotStarted) {
			return fmt.Errorf("instance %s: %w", p.InstanceID, ErrTerminalWithoutStart)
		}
		return err
	}
	if recorded != p.PayloadHash {
		return fmt.Errorf("instance %s: payload hash mismatch against started record", p.InstanceID)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return l.events.Append(ctx, eventstore.Event{
		ID:        l.newID(),
		Type:      typ,
		RunID:     runID,
		Status:    status,
		Message:   message,
		Payload:   payload,
		Timestamp: l.now().UTC(),
	})
}
