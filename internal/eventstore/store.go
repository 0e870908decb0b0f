package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// QueryOpts narrows a Query. Since is inclusive; a zero Since means
// "from the beginning". A zero Limit means no cap. RunID filters to one
// run when set.
type QueryOpts struct {
	RunID string
	Since time.Time
	Limit int
}

// Store is the durable append-only event log.
//
// Append is idempotent on event ID: appending an event whose ID was already
// stored is a no-op, not an error. Query returns events ordered ascending by
// timestamp.
type Store interface {
	Append(ctx context.Context, ev Event) error
	Query(ctx context.Context, opts QueryOpts) ([]Event, error)
}

// MemoryStore is an in-memory Store used by tests and as scaffolding for
// local development without NATS.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]struct{}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]struct{})}
}

// Append validates and stores the event, assigning the server timestamp
// when unset. Duplicate IDs are silently dropped.
func (s *MemoryStore) Append(_ context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[ev.ID]; dup {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.byID[ev.ID] = struct{}{}
	s.events = append(s.events, ev)
	return nil
}

// Query returns matching events ordered ascending by timestamp.
func (s *MemoryStore) Query(_ context.Context, opts QueryOpts) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if opts.RunID != "" && ev.RunID != opts.RunID {
			continue
		}
		if !opts.Since.IsZero() && ev.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
