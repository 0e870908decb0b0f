// Package worker dispatches build work to external worker processes over
// NATS request/reply. The orchestrator only cares that a worker accepts a
// frozen spec and reports an outcome; what the worker produces is its own
// business.
package worker

import (
	"context"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

// Result is a worker's report for one execution.
type Result struct {
	OK           bool     `json:"ok"`
	FilesChanged []string `json:"files_changed,omitempty"`
	FilesCreated []string `json:"files_created,omitempty"`
	PRNumber     int      `json:"pr_number,omitempty"`
	PRURL        string   `json:"pr_url,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Executor hands a frozen spec to a worker and waits for its report.
type Executor interface {
	Execute(ctx context.Context, snapshot *ledger.SpecSnapshot) (*Result, error)
}
