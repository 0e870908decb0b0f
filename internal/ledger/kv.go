package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"
)

// KV bucket names. Separate buckets keep key listings cheap and make the
// persisted layout (run row / idempotency table / loop singleton) explicit.
const (
	bucketRuns      = "shipd_runs"
	bucketSnapshots = "shipd_snapshots"
	bucketProcessed = "shipd_processed"
	bucketActions   = "shipd_actions"
	bucketLoop      = "shipd_loop"

	loopStateKey = "singleton"
)

// KVStore is the production ledger, backed by JetStream key-value buckets.
// Revision-checked updates give the compare-and-swap semantics Store
// requires under horizontally scaled orchestrators.
type KVStore struct {
	runs      nats.KeyValue
	snapshots nats.KeyValue
	processed nats.KeyValue
	actions   nats.KeyValue
	loop      nats.KeyValue
}

// NewKVStore provisions the ledger buckets (idempotently) and returns a
// store bound to them.
func NewKVStore(js nats.JetStreamContext) (*KVStore, error) {
	s := &KVStore{}
	for _, b := range []struct {
		name string
		dst  *nats.KeyValue
	}{
		{bucketRuns, &s.runs},
		{bucketSnapshots, &s.snapshots},
		{bucketProcessed, &s.processed},
		{bucketActions, &s.actions},
		{bucketLoop, &s.loop},
	} {
		kv, err := ensureBucket(js, b.name)
		if err != nil {
			return nil, fmt.Errorf("provision bucket %s: %w", b.name, err)
		}
		*b.dst = kv
	}
	return s, nil
}

func ensureBucket(js nats.JetStreamContext, name string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  name,
		Storage: nats.FileStorage,
	})
}

func (s *KVStore) CreateRun(_ context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	rev, err := s.runs.Create(run.ID, data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return ErrRunExists
		}
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	run.Revision = rev
	return nil
}

func (s *KVStore) GetRun(_ context.Context, id string) (*Run, error) {
	entry, err := s.runs.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	var run Run
	if err := json.Unmarshal(entry.Value(), &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	run.Revision = entry.Revision()
	return &run, nil
}

func (s *KVStore) UpdateRun(_ context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	rev, err := s.runs.Update(run.ID, data, run.Revision)
	if err != nil {
		if isRevisionMismatch(err) {
			return ErrRevisionConflict
		}
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	run.Revision = rev
	return nil
}

func (s *KVStore) ListRuns(ctx context.Context) ([]*Run, error) {
	keys, err := s.runs.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*Run, 0, len(keys))
	for _, key := range keys {
		run, err := s.GetRun(ctx, key)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *KVStore) CreateSnapshot(ctx context.Context, snap *SpecSnapshot) (*SpecSnapshot, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.snapshots.Create(snap.RunID, data)
	if err == nil {
		cp := *snap
		return &cp, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return nil, fmt.Errorf("create snapshot for run %s: %w", snap.RunID, err)
	}
	// At most one snapshot per run, ever: return the stored one unchanged.
	return s.GetSnapshot(ctx, snap.RunID)
}

func (s *KVStore) GetSnapshot(_ context.Context, runID string) (*SpecSnapshot, error) {
	entry, err := s.snapshots.Get(runID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get snapshot for run %s: %w", runID, err)
	}
	var snap SpecSnapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for run %s: %w", runID, err)
	}
	return &snap, nil
}

func (s *KVStore) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	_, err := s.processed.Create(eventID, []byte{1})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	return false, fmt.Errorf("mark event %s processed: %w", eventID, err)
}

func (s *KVStore) Processed(_ context.Context, eventID string) (bool, error) {
	_, err := s.processed.Get(eventID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check event %s processed: %w", eventID, err)
}

func (s *KVStore) MarkActionStarted(_ context.Context, instanceID, payloadHash string) error {
	_, err := s.actions.Put(instanceID, []byte(payloadHash))
	if err != nil {
		return fmt.Errorf("mark action %s started: %w", instanceID, err)
	}
	return nil
}

func (s *KVStore) ActionStarted(_ context.Context, instanceID string) (string, error) {
	entry, err := s.actions.Get(instanceID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", ErrActionNotStarted
		}
		return "", fmt.Errorf("lookup action %s: %w", instanceID, err)
	}
	return string(entry.Value()), nil
}

func (s *KVStore) GetLoopState(_ context.Context) (*LoopState, error) {
	entry, err := s.loop.Get(loopStateKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return &LoopState{}, nil
		}
		return nil, fmt.Errorf("get loop state: %w", err)
	}
	var state LoopState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("decode loop state: %w", err)
	}
	state.Revision = entry.Revision()
	return &state, nil
}

func (s *KVStore) PutLoopState(_ context.Context, state *LoopState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal loop state: %w", err)
	}

	if state.Revision == 0 {
		rev, err := s.loop.Create(loopStateKey, data)
		if err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				return ErrRevisionConflict
			}
			return fmt.Errorf("create loop state: %w", err)
		}
		state.Revision = rev
		return nil
	}

	rev, err := s.loop.Update(loopStateKey, data, state.Revision)
	if err != nil {
		if isRevisionMismatch(err) {
			return ErrRevisionConflict
		}
		return fmt.Errorf("update loop state: %w", err)
	}
	state.Revision = rev
	return nil
}

// isRevisionMismatch recognizes the JetStream wrong-last-sequence error
// that a revision-checked Update returns when another writer won the race.
func isRevisionMismatch(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
