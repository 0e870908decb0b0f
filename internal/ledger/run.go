// Package ledger persists per-run pipeline state as a materialized view
// over the event stream. Every mutation is a conditional write keyed on a
// storage revision, so multiple orchestrator instances can share one
// ledger without read-modify-write races.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
)

// Machine-readable error codes recorded on failed runs.
const (
	CodeRetriesExhausted = "retries_exhausted"
	CodeWorkerFailed     = "worker_failed"
	CodeChecksFailed     = "checks_failed"
	CodePRCreateFailed   = "pr_create_failed"
	CodeMergeFailed      = "merge_failed"
	CodeDeployFailed     = "deploy_failed"
	CodeVerifyFailed     = "verification_failed"
)

// Run is the per-run pipeline record. It is owned exclusively by the
// orchestration loop and mutated only through validated transitions;
// terminal runs are retained for audit, never deleted.
type Run struct {
	ID     string         `json:"id"`
	VTID   string         `json:"vtid"`
	State  pipeline.State `json:"state"`

	StartedAt      time.Time  `json:"started_at"`
	TransitionedAt time.Time  `json:"transitioned_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Pipeline artifacts accumulated as stages complete.
	PRNumber  int    `json:"pr_number,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	MergeSHA  string `json:"merge_sha,omitempty"`
	DeployRef string `json:"deploy_ref,omitempty"`

	Validator    *ValidatorResult    `json:"validator,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Attempts counts dispatch attempts per action type.
	Attempts map[string]int `json:"attempts,omitempty"`

	LockHolder    string    `json:"lock_holder,omitempty"`
	LockExpiresAt time.Time `json:"lock_expires_at,omitempty"`

	// Revision is the storage version used for conditional writes.
	// It never round-trips through JSON.
	Revision uint64 `json:"-"`
}

// NewRun returns a freshly allocated run.
func NewRun(id, vtid string, now time.Time) *Run {
	return &Run{
		ID:             id,
		VTID:           vtid,
		State:          pipeline.StateAllocated,
		StartedAt:      now,
		TransitionedAt: now,
		Attempts:       make(map[string]int),
	}
}

// View projects the run onto the slice the event mapper may see.
func (r *Run) View() pipeline.RunView {
	return pipeline.RunView{
		State:           r.State,
		PRNumber:        r.PRNumber,
		ValidatorPassed: r.Validator != nil && r.Validator.Passed,
	}
}

// ApplyTransition moves the run to a new state, stamping timestamps and
// terminal bookkeeping. Callers are expected to have validated the
// transition through the mapper first.
func (r *Run) ApplyTransition(to pipeline.State, at time.Time) {
	r.State = to
	r.TransitionedAt = at
	if to.Terminal() {
		t := at
		r.CompletedAt = &t
	}
}

// Fail moves the run into the absorbing failed state with an error code.
func (r *Run) Fail(code, message string, at time.Time) {
	r.ErrorCode = code
	r.ErrorMessage = message
	r.ApplyTransition(pipeline.StateFailed, at)
}

// Absorb folds event payload artifacts into the run record. It is the one
// place artifact extraction lives, shared by the live loop and by replay.
func (r *Run) Absorb(ev eventstore.Event) {
	switch ev.Type {
	case eventstore.TypeWorkerCompleted:
		var p eventstore.WorkerResultPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.PRNumber > 0 {
			r.PRNumber = p.PRNumber
			r.PRURL = p.PRURL
		}
	case eventstore.TypePRCreated:
		var p eventstore.PRPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			r.PRNumber = p.PRNumber
			r.PRURL = p.PRURL
		}
	case eventstore.TypeValidationPass:
		// Replay path: the gate's full result was recorded by the
		// validator itself, but the pass bit must survive replay because
		// merge dispatch reads it from the ledger.
		if r.Validator == nil {
			r.Validator = &ValidatorResult{
				Passed: true, Review: true, Governance: true, Security: true,
				RecordedAt: ev.Timestamp,
			}
		}
	case eventstore.TypeVerifyPassed:
		if r.Verification == nil {
			r.Verification = &VerificationResult{
				Live: true, HeadersOK: true, AssertionsOK: true,
				RecordedAt: ev.Timestamp,
			}
		}
	case eventstore.TypeMergeCompleted:
		var p eventstore.MergePayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			r.MergeSHA = p.SHA
		}
	case eventstore.TypeDeployStarted, eventstore.TypeDeployCompleted:
		var p eventstore.DeployPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.WorkflowRef != "" {
			r.DeployRef = p.WorkflowRef
		}
	case eventstore.TypeWorkerFailed:
		r.ErrorCode = CodeWorkerFailed
		r.ErrorMessage = ev.Message
	case eventstore.TypeChecksFailed:
		r.ErrorCode = CodeChecksFailed
		r.ErrorMessage = ev.Message
	case eventstore.TypePRCreateFailed:
		r.ErrorCode = CodePRCreateFailed
		r.ErrorMessage = ev.Message
	case eventstore.TypeMergeFailed:
		r.ErrorCode = CodeMergeFailed
		r.ErrorMessage = ev.Message
	case eventstore.TypeDeployFailed:
		r.ErrorCode = CodeDeployFailed
		r.ErrorMessage = ev.Message
	case eventstore.TypeVerifyFailed:
		r.ErrorCode = CodeVerifyFailed
		r.ErrorMessage = ev.Message
	}
}

// Issue is one itemized finding from a gate check.
type Issue struct {
	Check    string `json:"check"`
	Severity string `json:"severity"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
}

// ValidatorResult is the durably recorded outcome of the validator gate.
// A recorded pass is the only input merge dispatch trusts.
type ValidatorResult struct {
	Passed     bool      `json:"passed"`
	Review     bool      `json:"review"`
	Governance bool      `json:"governance"`
	Security   bool      `json:"security"`
	Issues     []Issue   `json:"issues,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// VerificationResult is the durably recorded outcome of post-deploy
// verification. Only Live gates the completed transition; the other
// findings degrade to warnings.
type VerificationResult struct {
	Live           bool      `json:"live"`
	HeadersOK      bool      `json:"headers_ok"`
	AssertionsOK   bool      `json:"assertions_ok"`
	Issues         []Issue   `json:"issues,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}
