package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SpecSnapshot is the immutable copy of the work specification frozen at
// allocation time. For a given run at most one snapshot ever exists; a
// second creation attempt returns the stored snapshot unchanged, so every
// downstream stage reasons about a spec that cannot drift.
type SpecSnapshot struct {
	RunID       string    `json:"run_id"`
	Title       string    `json:"title"`
	SpecText    string    `json:"spec_text"`
	Domain      string    `json:"domain,omitempty"`
	TargetPaths []string  `json:"target_paths,omitempty"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewSnapshot freezes a spec for a run, computing the content checksum.
func NewSnapshot(runID, title, specText, domain string, targetPaths []string, now time.Time) *SpecSnapshot {
	return &SpecSnapshot{
		RunID:       runID,
		Title:       title,
		SpecText:    specText,
		Domain:      domain,
		TargetPaths: targetPaths,
		Checksum:    ChecksumOf(specText),
		CreatedAt:   now,
	}
}

// ChecksumOf returns the hex sha256 of the spec text.
func ChecksumOf(specText string) string {
	sum := sha256.Sum256([]byte(specText))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum and reports tampering.
func (s *SpecSnapshot) Verify() error {
	if got := ChecksumOf(s.SpecText); got != s.Checksum {
		return fmt.Errorf("spec snapshot checksum mismatch for run %s: recorded %s, computed %s",
			s.RunID, s.Checksum, got)
	}
	return nil
}
