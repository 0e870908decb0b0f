package vcs

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

// WorkflowDeployer triggers deployments by dispatching a GitHub Actions
// workflow on the base branch, passing the merged SHA and run ID as
// workflow inputs.
type WorkflowDeployer struct {
	gh           *GitHub
	repo         string
	workflowFile string
	ref          string
}

// NewWorkflowDeployer configures workflow-dispatch deployments. The
// workflow file is a name under .github/workflows/, e.g. "deploy.yml".
// ref defaults to "main".
func NewWorkflowDeployer(gh *GitHub, repo, workflowFile, ref string) (*WorkflowDeployer, error) {
	if gh == nil {
		return nil, fmt.Errorf("github client is required")
	}
	if workflowFile == "" {
		return nil, fmt.Errorf("workflow file is required")
	}
	if ref == "" {
		ref = "main"
	}
	return &WorkflowDeployer{gh: gh, repo: repo, workflowFile: workflowFile, ref: ref}, nil
}

// Deploy dispatches the workflow and returns a human-readable reference
// to the dispatched workflow.
func (d *WorkflowDeployer) Deploy(ctx context.Context, run *ledger.Run, snapshot *ledger.SpecSnapshot) (string, error) {
	owner, name, err := splitRepo(d.repo)
	if err != nil {
		return "", err
	}
	if run.MergeSHA == "" {
		return "", fmt.Errorf("run %s has no merged SHA to deploy", run.ID)
	}

	inputs := map[string]interface{}{
		"run_id": run.ID,
		"sha":    run.MergeSHA,
	}
	if snapshot != nil && snapshot.Domain != "" {
		inputs["domain"] = snapshot.Domain
	}

	_, err = retryOperation(ctx, d.gh.retry, d.gh.logger, func() (*github.Response, error) {
		return d.gh.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, name, d.workflowFile,
			github.CreateWorkflowDispatchEventRequest{
				Ref:    d.ref,
				Inputs: inputs,
			})
	})
	if err != nil {
		return "", fmt.Errorf("dispatch workflow %s on %s@%s: %w", d.workflowFile, d.repo, d.ref, err)
	}
	return fmt.Sprintf("%s@%s", d.workflowFile, run.MergeSHA), nil
}
