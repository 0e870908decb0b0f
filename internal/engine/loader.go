package engine

import (
	"context"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/validator"
	"github.com/fyrsmithlabs/shipd/internal/vcs"
)

// GitHubFileLoader builds a FileLoader that pulls the run's PR change set
// from GitHub. Runs without a PR yield an empty change set, which the
// gate flags on its own.
func GitHubFileLoader(gh *vcs.GitHub, repo string) FileLoader {
	return func(ctx context.Context, run *ledger.Run) ([]validator.File, error) {
		if run.PRNumber == 0 {
			return nil, nil
		}
		changed, err := gh.PullRequestFiles(ctx, repo, run.PRNumber)
		if err != nil {
			return nil, err
		}
		files := make([]validator.File, 0, len(changed))
		for _, cf := range changed {
			if cf.Status == "removed" {
				continue
			}
			files = append(files, validator.File{Path: cf.Path, Content: cf.Content})
		}
		return files, nil
	}
}
