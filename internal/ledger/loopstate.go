package ledger

import "time"

// Cursor marks the last event the orchestration loop processed. It is
// persisted after every successful cycle so a restarted instance resumes
// exactly where the previous one stopped.
type Cursor struct {
	LastEventID   string    `json:"last_event_id,omitempty"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
}

// LoopState is the process-wide singleton tracking the poll cursor and
// rolling health counters. Created once, updated every cycle, never
// deleted.
type LoopState struct {
	Running bool   `json:"running"`
	Cursor  Cursor `json:"cursor"`

	// Rolling counters over the trailing window.
	WindowStart     time.Time `json:"window_start,omitempty"`
	EventsProcessed int       `json:"events_processed"`
	Errors          int       `json:"errors"`

	// Revision is the storage version used for conditional writes.
	Revision uint64 `json:"-"`
}

// RollWindow resets the rolling counters when the trailing window has
// elapsed.
func (s *LoopState) RollWindow(now time.Time, window time.Duration) {
	if s.WindowStart.IsZero() || now.Sub(s.WindowStart) >= window {
		s.WindowStart = now
		s.EventsProcessed = 0
		s.Errors = 0
	}
}
