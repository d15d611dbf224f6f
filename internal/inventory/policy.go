package inventory

import "fmt"

// ChecksumConflictError means a candidate would publish different bytes at a
// URL the manifest already advertises. Downstream caches may hold the old
// bytes, so this always aborts the publish.
type ChecksumConflictError struct {
	URL       string
	Existing  Artifact
	Candidate Artifact
}

func (e *ChecksumConflictError) Error() string {
	return fmt.Sprintf("checksum conflict for %s: manifest has %s, candidate has %s",
		e.URL, e.Existing.Checksum, e.Candidate.Checksum)
}

// SameURLDifferentChecksum returns a *ChecksumConflictError when both
// records share a URL but not a checksum.
func SameURLDifferentChecksum(existing, candidate Artifact) error {
	if existing.URL != candidate.URL || existing.Checksum.Equal(candidate.Checksum) {
		return nil
	}
	return &ChecksumConflictError{URL: candidate.URL, Existing: existing, Candidate: candidate}
}

// IsDifferent reports whether a and b are distinct logical artifacts, i.e.
// they differ in version, arch or distro version.
func IsDifferent(a, b Artifact) bool {
	return a.Key() != b.Key()
}

// Upsert is the publish mutation: reject a URL conflict against any existing
// record, drop every record the candidate supersedes, then append the
// candidate. On conflict the inventory is left unchanged. The returned count
// is the number of superseded records.
func (inv *Inventory) Upsert(candidate Artifact) (int, error) {
	for _, prior := range inv.Artifacts {
		if err := SameURLDifferentChecksum(prior, candidate); err != nil {
			return 0, err
		}
	}

	kept := inv.Artifacts[:0:0]
	for _, prior := range inv.Artifacts {
		if IsDifferent(prior, candidate) {
			kept = append(kept, prior)
		}
	}
	removed := len(inv.Artifacts) - len(kept)
	inv.Artifacts = kept
	inv.Push(candidate)
	return removed, nil
}
