package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Sentinel errors for ledger storage.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrRunExists        = errors.New("run already exists")
	ErrRevisionConflict = errors.New("ledger revision conflict")
	ErrSnapshotNotFound = errors.New("spec snapshot not found")
	ErrActionNotStarted = errors.New("no started record for action instance")
)

// Store is the durable run ledger. UpdateRun and PutLoopState are
// conditional writes: they fail with ErrRevisionConflict when the stored
// revision differs from the one carried by the record, which is how
// correctness is enforced across concurrent orchestrator instances.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context) ([]*Run, error)

	// CreateSnapshot is create-once per run: when a snapshot already
	// exists the stored one is returned unchanged and the input discarded.
	CreateSnapshot(ctx context.Context, snap *SpecSnapshot) (*SpecSnapshot, error)
	GetSnapshot(ctx context.Context, runID string) (*SpecSnapshot, error)

	// MarkProcessed records an event ID in the idempotency set. It
	// returns true exactly once per ID; redeliveries get false.
	// Processed is the read-only check.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	Processed(ctx context.Context, eventID string) (bool, error)

	// MarkActionStarted durably records that an action instance began,
	// keyed by instance ID, along with its payload hash. ActionStarted
	// returns the recorded hash or ErrActionNotStarted.
	MarkActionStarted(ctx context.Context, instanceID, payloadHash string) error
	ActionStarted(ctx context.Context, instanceID string) (string, error)

	GetLoopState(ctx context.Context) (*LoopState, error)
	PutLoopState(ctx context.Context, state *LoopState) error
}

// MemoryStore is an in-memory Store for tests. It honors the same CAS
// semantics as the KV-backed store.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]*Run
	snapshots map[string]*SpecSnapshot
	processed map[string]struct{}
	actions   map[string]string
	loop      *LoopState
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		snapshots: make(map[string]*SpecSnapshot),
		processed: make(map[string]struct{}),
		actions:   make(map[string]string),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	cp := cloneRun(run)
	cp.Revision = 1
	s.runs[run.ID] = cp
	run.Revision = 1
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	if stored.Revision != run.Revision {
		return ErrRevisionConflict
	}
	cp := cloneRun(run)
	cp.Revision = stored.Revision + 1
	s.runs[run.ID] = cp
	run.Revision = cp.Revision
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CreateSnapshot(_ context.Context, snap *SpecSnapshot) (*SpecSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.snapshots[snap.RunID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *snap
	s.snapshots[snap.RunID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, runID string) (*SpecSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[runID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[eventID]; ok {
		return false, nil
	}
	s.processed[eventID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) Processed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkActionStarted(_ context.Context, instanceID, payloadHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions[instanceID] = payloadHash
	return nil
}

func (s *MemoryStore) ActionStarted(_ context.Context, instanceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.actions[instanceID]
	if !ok {
		return "", ErrActionNotStarted
	}
	return hash, nil
}

func (s *MemoryStore) GetLoopState(_ context.Context) (*LoopState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop == nil {
		return &LoopState{}, nil
	}
	cp := *s.loop
	return &cp, nil
}

func (s *MemoryStore) PutLoopState(_ context.Context, state *LoopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop != nil && s.loop.Revision != state.Revision {
		return ErrRevisionConflict
	}
	cp := *state
	cp.Revision = state.Revision + 1
	s.loop = &cp
	state.Revision = cp.Revision
	return nil
}

func cloneRun(run *Run) *Run {
	cp := *run
	if run.Attempts != nil {
		cp.Attempts = make(map[string]int, len(run.Attempts))
		for k, v := range run.Attempts {
			cp.Attempts[k] = v
		}
	}
	if run.Validator != nil {
		v := *run.Validator
		v.Issues = append([]Issue(nil), run.Validator.Issues...)
		cp.Validator = &v
	}
	if run.Verification != nil {
		v := *run.Verification
		v.Issues = append([]Issue(nil), run.Verification.Issues...)
		cp.Verification = &v
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
