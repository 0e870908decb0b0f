// Package vcs abstracts the version-control host the pipeline pushes
// changes through. The orchestrator talks to the Provider interface;
// the GitHub implementation lives alongside it.
package vcs

import (
	"context"
	"errors"
)

// Merge strategies accepted by Merge.
const (
	StrategyMerge  = "merge"
	StrategySquash = "squash"
	StrategyRebase = "rebase"
)

// ErrBranchPolicy is returned when a PR's head or base branch violates
// repository policy.
var ErrBranchPolicy = errors.New("branch policy violation")

// PullRequest is the provider-neutral view of a created PR.
type PullRequest struct {
	Number int
	URL    string
	Head   string
	Base   string
}

// CheckStatus summarizes the CI check runs for a ref.
type CheckStatus struct {
	Total     int
	Completed int
	Failed    int
}

// AllPassed reports whether every check finished successfully.
func (s CheckStatus) AllPassed() bool {
	return s.Total > 0 && s.Completed == s.Total && s.Failed == 0
}

// MergeResult carries the merge commit on success or the host's reason
// on refusal.
type MergeResult struct {
	Merged bool
	SHA    string
	Reason string
}

// Provider is the version-control host surface the pipeline needs.
type Provider interface {
	// CreatePullRequest opens a PR from head into base. Head and base
	// violating branch policy is a rejection, not a retryable fault.
	CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error)

	// CheckRuns reports CI status for a ref.
	CheckRuns(ctx context.Context, repo, ref string) (*CheckStatus, error)

	// Merge lands a PR with the given strategy.
	Merge(ctx context.Context, repo string, prNumber int, strategy string) (*MergeResult, error)
}
