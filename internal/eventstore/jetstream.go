package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamName holds every pipeline event.
	StreamName = "SHIPD_EVENTS"

	// subjectPrefix is followed by "<run_id>.<event_type>".
	subjectPrefix = "runs.events"

	defaultFetchBatch = 256
	defaultFetchWait  = 500 * time.Millisecond
)

// JetStreamStore is the production Store: an append-only JetStream stream
// with server-side duplicate suppression on the event ID.
type JetStreamStore struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// JetStreamConfig configures stream provisioning.
type JetStreamConfig struct {
	// DedupeWindow is how long JetStream remembers event IDs for
	// idempotent appends. Redeliveries older than this window would
	// duplicate, so it should comfortably exceed the poll interval.
	DedupeWindow time.Duration

	// MaxAge bounds event retention. Zero keeps events forever, which is
	// the default: terminal runs are retained for audit.
	MaxAge time.Duration
}

// NewJetStreamStore provisions the event stream (idempotently) and returns
// a store bound to it.
func NewJetStreamStore(js nats.JetStreamContext, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 2 * time.Hour
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Duplicates: cfg.DedupeWindow,
		MaxAge:     cfg.MaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("provision event stream: %w", err)
	}

	return &JetStreamStore{js: js, logger: logger}, nil
}

// Append validates and publishes the event. The event ID doubles as the
// JetStream message ID, so redelivered appends inside the dedupe window are
// absorbed by the server and reported as duplicates, not errors.
func (s *JetStreamStore) Append(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ack, err := s.js.Publish(subjectFor(ev), data, nats.MsgId(ev.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	if ack.Duplicate {
		s.logger.Debug("duplicate event append absorbed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)))
	}
	return nil
}

// Query reads events at or after opts.Since, ordered ascending, using an
// ephemeral pull consumer positioned by start time. JetStream delivers
// per-subject in publish order and our appends are single-writer per run,
// so stream order is timestamp order.
func (s *JetStreamStore) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	filter := subjectPrefix + ".>"
	if opts.RunID != "" {
		filter = fmt.Sprintf("%s.%s.>", subjectPrefix, opts.RunID)
	}

	subOpts := []nats.SubOpt{
		nats.BindStream(StreamName),
		nats.AckNone(),
	}
	if opts.Since.IsZero() {
		subOpts = append(subOpts, nats.DeliverAll())
	} else {
		// Since is inclusive: an event sharing the cursor timestamp is
		// redelivered rather than skipped, because a timestamp tie or a
		// batch cut mid-timestamp would otherwise lose events forever.
		// The processed set makes redelivery harmless.
		subOpts = append(subOpts, nats.StartTime(opts.Since))
	}

	sub, err := s.js.PullSubscribe(filter, "", subOpts...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultFetchBatch
	}

	out := make([]Event, 0, limit)
	for len(out) < limit {
		batch := limit - len(out)
		if batch > defaultFetchBatch {
			batch = defaultFetchBatch
		}
		msgs, err := sub.Fetch(batch, nats.MaxWait(defaultFetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("fetch events: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			ev, err := decodeMsg(msg)
			if err != nil {
				// A malformed message in the stream is a defect; skip it
				// rather than wedging the poll loop on it forever.
				s.logger.Error("skipping undecodable event", zap.Error(err), zap.String("subject", msg.Subject))
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func decodeMsg(msg *nats.Msg) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	// Server receipt time is authoritative for cursor ordering.
	if meta, err := msg.Metadata(); err == nil {
		ev.Timestamp = meta.Timestamp
	}
	return ev, nil
}

func subjectFor(ev Event) string {
	// Event types contain dots, which map onto subject tokens.
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, ev.RunID, strings.ToLower(string(ev.Type)))
}
