package validator

import (
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

const checkReview = "review"

// riskyExtensions are file types a pipeline worker has no business
// committing. Their presence in a change set is a critical finding.
var riskyExtensions = map[string]string{
	".pem": "private key material",
	".key": "private key material",
	".p12": "keystore bundle",
	".pfx": "keystore bundle",
	".env": "environment secrets file",
}

// reviewCheck inspects the change set shape: the frozen spec must be
// present and untampered, and no risky or binary files may be introduced.
func reviewCheck(in Input) []ledger.Issue {
	var issues []ledger.Issue

	if in.Snapshot == nil {
		issues = append(issues, ledger.Issue{
			Check:    checkReview,
			Severity: SeverityCritical,
			Message:  "no spec snapshot recorded for run",
		})
	} else if err := in.Snapshot.Verify(); err != nil {
		issues = append(issues, ledger.Issue{
			Check:    checkReview,
			Severity: SeverityCritical,
			Message:  err.Error(),
		})
	}

	if len(in.Files) == 0 {
		issues = append(issues, ledger.Issue{
			Check:    checkReview,
			Severity: SeverityWarning,
			Message:  "change set is empty",
		})
	}

	for _, f := range in.Files {
		ext := strings.ToLower(filepath.Ext(f.Path))
		if desc, risky := riskyExtensions[ext]; risky {
			issues = append(issues, ledger.Issue{
				Check:    checkReview,
				Severity: SeverityCritical,
				Path:     f.Path,
				Message:  "risky file type in change set: " + desc,
			})
		}
		if isBinary(f.Content) {
			issues = append(issues, ledger.Issue{
				Check:    checkReview,
				Severity: SeverityCritical,
				Path:     f.Path,
				Message:  "binary blob in change set",
			})
		}
	}
	return issues
}

// isBinary uses the git heuristic: a NUL byte in the first 8000 bytes.
func isBinary(content string) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return strings.ContainsRune(probe, '\x00')
}
