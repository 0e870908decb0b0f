package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

const subjectPrefix = "workers.execute"

// request is the wire shape sent to workers.
type request struct {
	RunID       string   `json:"run_id"`
	Title       string   `json:"title"`
	SpecText    string   `json:"spec_text"`
	Checksum    string   `json:"checksum"`
	TargetPaths []string `json:"target_paths,omitempty"`
}

// NATSExecutor sends work to domain-addressed worker queues over NATS
// request/reply. Workers subscribe on workers.execute.<domain>.
type NATSExecutor struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSExecutor returns an executor with a per-call timeout.
func NewNATSExecutor(nc *nats.Conn, timeout time.Duration, logger *zap.Logger) *NATSExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &NATSExecutor{nc: nc, timeout: timeout, logger: logger}
}

// Execute sends the frozen spec to the domain's worker queue and decodes
// the report. No responders and timeouts are errors; so is a malformed
// reply.
func (e *NATSExecutor) Execute(ctx context.Context, snapshot *ledger.SpecSnapshot) (*Result, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("nil spec snapshot")
	}
	domain := snapshot.Domain
	if domain == "" {
		domain = "default"
	}
	subject := subjectPrefix + "." + domain

	payload, err := json.Marshal(request{
		RunID:       snapshot.RunID,
		Title:       snapshot.Title,
		SpecText:    snapshot.SpecText,
		Checksum:    snapshot.Checksum,
		TargetPaths: snapshot.TargetPaths,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal worker request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.Info("dispatching worker execution",
		zap.String("run_id", snapshot.RunID),
		zap.String("subject", subject))

	msg, err := e.nc.RequestWithContext(callCtx, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no worker listening on %s: %w", subject, err)
		}
		return nil, fmt.Errorf("worker request on %s: %w", subject, err)
	}

	var res Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, fmt.Errorf("malformed worker reply on %s: %w", subject, err)
	}
	return &res, nil
}
