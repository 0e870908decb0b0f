// Package eventstore provides the durable, append-only event log that every
// state change in the pipeline is observed through. Events are the source of
// truth; the run ledger is a materialized view over this stream.
package eventstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the tagged event-type enum. Free-form type strings are rejected
// at the store boundary so nothing untyped ever reaches the mapper.
type Type string

const (
	TypeRunAllocated    Type = "run.allocated"
	TypeWorkerStarted   Type = "worker.execution.started"
	TypeWorkerCompleted Type = "worker.execution.completed"
	TypeWorkerFailed    Type = "worker.execution.failed"
	TypePRCreated       Type = "pr.created"
	TypePRCreateFailed  Type = "pr.create.failed"
	TypeChecksCompleted Type = "ci.checks.completed"
	TypeChecksFailed    Type = "ci.checks.failed"
	TypeValidationReq   Type = "validation.requested"
	TypeValidationPass  Type = "validation.passed"
	TypeValidationFail  Type = "validation.failed"
	TypeMergeCompleted  Type = "merge.completed"
	TypeMergeFailed     Type = "merge.failed"
	TypeDeployStarted   Type = "deploy.started"
	TypeDeployCompleted Type = "deploy.completed"
	TypeDeployFailed    Type = "deploy.failed"
	TypeVerifyPassed    Type = "verification.passed"
	TypeVerifyFailed    Type = "verification.failed"
	TypeActionStarted   Type = "action.started"
	TypeActionCompleted Type = "action.completed"
	TypeActionFailed    Type = "action.failed"
)

// Status tags an event with its severity.
type Status string

const (
	StatusInfo    Status = "info"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Event is an immutable, append-only fact.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	RunID     string          `json:"run_id"`
	Status    Status          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PRPayload is carried by pr.created and by worker results that attached a
// pull request themselves.
type PRPayload struct {
	PRNumber int    `json:"pr_number"`
	PRURL    string `json:"pr_url,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// MergePayload is carried by merge.completed.
type MergePayload struct {
	SHA      string `json:"sha"`
	PRNumber int    `json:"pr_number,omitempty"`
}

// WorkerResultPayload is carried by worker.execution.completed.
type WorkerResultPayload struct {
	OK           bool     `json:"ok"`
	FilesChanged []string `json:"files_changed,omitempty"`
	FilesCreated []string `json:"files_created,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	PRNumber     int      `json:"pr_number,omitempty"`
	PRURL        string   `json:"pr_url,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ActionPayload is carried by the action lifecycle events.
type ActionPayload struct {
	InstanceID  string `json:"instance_id"`
	ActionType  string `json:"action_type"`
	PayloadHash string `json:"payload_hash"`
	Attempt     int    `json:"attempt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DeployPayload is carried by deploy lifecycle events.
type DeployPayload struct {
	WorkflowRef string `json:"workflow_ref,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
}

var knownTypes = map[Type]struct{}{
	TypeRunAllocated:    {},
	TypeWorkerStarted:   {},
	TypeWorkerCompleted: {},
	TypeWorkerFailed:    {},
	TypePRCreated:       {},
	TypePRCreateFailed:  {},
	TypeChecksCompleted: {},
	TypeChecksFailed:    {},
	TypeValidationReq:   {},
	TypeValidationPass:  {},
	TypeValidationFail:  {},
	TypeMergeCompleted:  {},
	TypeMergeFailed:     {},
	TypeDeployStarted:   {},
	TypeDeployCompleted: {},
	TypeDeployFailed:    {},
	TypeVerifyPassed:    {},
	TypeVerifyFailed:    {},
	TypeActionStarted:   {},
	TypeActionCompleted: {},
	TypeActionFailed:    {},
}

// Validate checks the event envelope and its per-type payload schema.
// Invalid events never enter the store.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("event run_id is required")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	switch e.Status {
	case StatusInfo, StatusSuccess, StatusWarning, StatusError:
	default:
		return fmt.Errorf("unknown event status %q", e.Status)
	}
	return e.validatePayload()
}

// validatePayload enforces the per-type payload schema.
func (e *Event) validatePayload() error {
	switch e.Type {
	case TypePRCreated:
		var p PRPayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("pr.created payload: %w", err)
		}
		if p.PRNumber <= 0 {
			return fmt.Errorf("pr.created payload: pr_number must be positive")
		}
	case TypeMergeCompleted:
		var p MergePayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("merge.completed payload: %w", err)
		}
		if p.SHA == "" {
			return fmt.Errorf("merge.completed payload: sha is required")
		}
	case TypeWorkerCompleted:
		var p WorkerResultPayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("worker.execution.completed payload: %w", err)
		}
	case TypeActionStarted, TypeActionCompleted, TypeActionFailed:
		var p ActionPayload
		if err := strictUnmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%s payload: %w", e.Type, err)
		}
		if p.InstanceID == "" || p.ActionType == "" || p.PayloadHash == "" {
			return fmt.Errorf("%s payload: instance_id, action_type and payload_hash are required", e.Type)
		}
	}
	return nil
}

func strictUnmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("payload is required")
	}
	return json.Unmarshal(data, v)
}
