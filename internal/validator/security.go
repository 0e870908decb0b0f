package validator

import (
	"context"
	"fmt"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

const checkSecurity = "security"

// Security scans change set contents for leaked credentials with the
// gitleaks default ruleset. The detector is built once; config loading is
// too expensive to repeat per run.
type Security struct {
	detector *detect.Detector
}

// NewSecurity builds the scanner with the default gitleaks config.
func NewSecurity() (*Security, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks detector: %w", err)
	}
	return &Security{detector: detector}, nil
}

// Check scans every file. Any finding is critical: a leaked credential in
// a change set headed for merge is never a warning.
func (s *Security) Check(ctx context.Context, in Input) ([]ledger.Issue, error) {
	var issues []ledger.Issue
	for _, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, finding := range s.detector.DetectString(f.Content) {
			issues = append(issues, ledger.Issue{
				Check:    checkSecurity,
				Severity: SeverityCritical,
				Path:     f.Path,
				Message: fmt.Sprintf("%s detected at line %d (%s)",
					finding.Description, finding.StartLine, finding.RuleID),
			})
		}
	}
	return issues, nil
}
