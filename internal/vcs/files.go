package vcs

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
)

// ChangedFile is one file from a PR's change set, with its content at the
// PR head.
type ChangedFile struct {
	Path    string
	Content string
	Status  string
}

// maxChangeSetFiles bounds how many files a single validation fetches.
const maxChangeSetFiles = 300

// PullRequestFiles fetches the change set of a pull request: the list of
// touched files and, for files that still exist at the head ref, their
// full content. Removed files are returned with empty content.
func (g *GitHub) PullRequestFiles(ctx context.Context, repo string, prNumber int) ([]ChangedFile, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var pr *github.PullRequest
	_, err = retryOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var resp *github.Response
		pr, resp, err = g.client.PullRequests.Get(ctx, owner, name, prNumber)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get pull request %s#%d: %w", repo, prNumber, err)
	}
	headSHA := pr.GetHead().GetSHA()

	var files []ChangedFile
	opts := &github.ListOptions{PerPage: 100}
	for {
		var page []*github.CommitFile
		var resp *github.Response
		_, err = retryOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
			var lerr error
			page, resp, lerr = g.client.PullRequests.ListFiles(ctx, owner, name, prNumber, opts)
			return resp, lerr
		})
		if err != nil {
			return nil, fmt.Errorf("list files for %s#%d: %w", repo, prNumber, err)
		}

		for _, cf := range page {
			if len(files) >= maxChangeSetFiles {
				return nil, fmt.Errorf("pull request %s#%d touches more than %d files", repo, prNumber, maxChangeSetFiles)
			}
			file := ChangedFile{Path: cf.GetFilename(), Status: cf.GetStatus()}
			if file.Status != "removed" {
				content, cerr := g.fileContent(ctx, owner, name, file.Path, headSHA)
				if cerr != nil {
					return nil, cerr
				}
				file.Content = content
			}
			files = append(files, file)
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func (g *GitHub) fileContent(ctx context.Context, owner, name, path, ref string) (string, error) {
	var fc *github.RepositoryContent
	_, err := retryOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var resp *github.Response
		var gerr error
		fc, _, resp, gerr = g.client.Repositories.GetContents(ctx, owner, name, path,
			&github.RepositoryContentGetOptions{Ref: ref})
		return resp, gerr
	})
	if err != nil {
		return "", fmt.Errorf("get contents of %s@%s: %w", path, ref, err)
	}
	if fc == nil {
		return "", fmt.Errorf("%s@%s is a directory, not a file", path, ref)
	}
	content, err := fc.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode contents of %s@%s: %w", path, ref, err)
	}
	return content, nil
}
