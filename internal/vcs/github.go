package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// BranchPolicy constrains which branches pipeline PRs may flow between.
type BranchPolicy struct {
	// AllowedBases lists the branches a PR may target. Empty means only
	// "main".
	AllowedBases []string

	// HeadPrefix is the prefix every pipeline head branch must carry.
	// Empty disables the check.
	HeadPrefix string
}

func (p BranchPolicy) check(head, base string) error {
	if head == "" || base == "" {
		return fmt.Errorf("head and base are required: %w", ErrBranchPolicy)
	}
	if head == base {
		return fmt.Errorf("head %q equals base: %w", head, ErrBranchPolicy)
	}
	bases := p.AllowedBases
	if len(bases) == 0 {
		bases = []string{"main"}
	}
	allowed := false
	for _, b := range bases {
		if base == b {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("base %q is not an allowed target: %w", base, ErrBranchPolicy)
	}
	if p.HeadPrefix != "" && !strings.HasPrefix(head, p.HeadPrefix) {
		return fmt.Errorf("head %q missing required prefix %q: %w", head, p.HeadPrefix, ErrBranchPolicy)
	}
	return nil
}

// GitHub implements Provider against the GitHub REST API.
type GitHub struct {
	client *github.Client
	policy BranchPolicy
	retry  *RetryConfig
	logger *zap.Logger
}

// NewGitHub builds an authenticated client.
func NewGitHub(ctx context.Context, token string, policy BranchPolicy, logger *zap.Logger) (*GitHub, error) {
	if token == "" {
		return nil, fmt.Errorf("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &GitHub{
		client: github.NewClient(tc),
		policy: policy,
		retry:  DefaultRetryConfig(),
		logger: logger,
	}, nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo must be owner/name, got %q", repo)
	}
	return parts[0], parts[1], nil
}

func (g *GitHub) CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error) {
	if err := g.policy.check(head, base); err != nil {
		return nil, err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var pr *github.PullRequest
	_, err = retryOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var resp *github.Response
		pr, resp, err = g.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
			Title: github.String(title),
			Body:  github.String(body),
			Head:  github.String(head),
			Base:  github.String(base),
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request %s %s -> %s: %w", repo, head, base, err)
	}
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Head:   head,
		Base:   base,
	}, nil
}

func (g *GitHub) CheckRuns(ctx context.Context, repo, ref string) (*CheckStatus, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var result *github.ListCheckRunsResults
	_, err = retryOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var resp *github.Response
		result, resp, err = g.client.Checks.ListCheckRunsForRef(ctx, owner, name, ref,
			&github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("list check runs for %s@%s: %w", repo, ref, err)
	}

	status := &CheckStatus{Total: result.GetTotal()}
	for _, run := range result.CheckRuns {
		if run.GetStatus() == "completed" {
			status.Completed++
			switch run.GetConclusion() {
			case "success", "neutral", "skipped":
			default:
				status.Failed++
			}
		}
	}
	return status, nil
}

func (g *GitHub) Merge(ctx context.Context, repo string, prNumber int, strategy string) (*MergeResult, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	switch strategy {
	case StrategyMerge, StrategySquash, StrategyRebase:
	case "":
		strategy = StrategySquash
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	var merge *github.PullRequestMergeResult
	_, err = retryOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var resp *github.Response
		merge, resp, err = g.client.PullRequests.Merge(ctx, owner, name, prNumber, "",
			&github.PullRequestOptions{MergeMethod: strategy})
		return resp, err
	})
	if err != nil {
		// A 405 carries the host's refusal reason (not mergeable, branch
		// protection); surface it instead of treating the call as a
		// transport failure.
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusMethodNotAllowed {
			return &MergeResult{Merged: false, Reason: ghErr.Message}, nil
		}
		return nil, fmt.Errorf("merge pull request %s#%d: %w", repo, prNumber, err)
	}
	return &MergeResult{Merged: merge.GetMerged(), SHA: merge.GetSHA(), Reason: merge.GetMessage()}, nil
}
