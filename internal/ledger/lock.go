package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned when another holder owns a live run lock.
var ErrLockHeld = errors.New("run lock held")

// Locker grants time-boxed, single-holder ownership of a run. The lock
// lives on the run record itself, so acquisition rides the same
// revision-checked write path as every other ledger mutation: two
// instances racing for the same run produce exactly one winner.
type Locker struct {
	store  Store
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// NewLocker returns a locker identifying itself as holder on every
// acquisition. ttl bounds how long a crashed holder can block others.
func NewLocker(store Store, holder string, ttl time.Duration) *Locker {
	return &Locker{store: store, holder: holder, ttl: ttl, now: time.Now}
}

// Acquire takes the lock on a run. A live lock held by someone else
// returns ErrLockHeld; an expired lock is stolen. Re-acquiring a lock we
// already hold extends the expiry.
func (l *Locker) Acquire(ctx context.Context, runID string) (*Run, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if run.LockHolder != "" && run.LockHolder != l.holder && now.Before(run.LockExpiresAt) {
		return nil, fmt.Errorf("run %s locked by %s until %s: %w",
			runID, run.LockHolder, run.LockExpiresAt.Format(time.RFC3339), ErrLockHeld)
	}
	run.LockHolder = l.holder
	run.LockExpiresAt = now.Add(l.ttl)
	if err := l.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, ErrRevisionConflict) {
			return nil, fmt.Errorf("run %s: lost acquisition race: %w", runID, ErrLockHeld)
		}
		return nil, err
	}
	return run, nil
}

// Release drops the lock if we still hold it. Releasing a lock someone
// else has since stolen is a no-op, not an error.
func (l *Locker) Release(ctx context.Context, runID string) error {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil
		}
		return err
	}
	if run.LockHolder != l.holder {
		return nil
	}
	run.LockHolder = ""
	run.LockExpiresAt = time.Time{}
	if err := l.store.UpdateRun(ctx, run); err != nil && !errors.Is(err, ErrRevisionConflict) {
		return err
	}
	return nil
}

// RearmDelay computes the backoff before retry attempt n (1-based):
// base, 2*base, 4*base and so on, capped at max.
func RearmDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
