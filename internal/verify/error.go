package verify

import (
	"fmt"
	"strings"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
)

// Failure is one record that did not verify. Actual is set for a checksum
// mismatch; Err is set when the artifact could not be downloaded or hashed.
type Failure struct {
	URL      string
	Expected checksum.Checksum
	Actual   *checksum.Checksum
	Err      error
}

// Mismatch reports whether the artifact downloaded but hashed differently.
func (f Failure) Mismatch() bool { return f.Actual != nil }

func (f Failure) String() string {
	if f.Mismatch() {
		return fmt.Sprintf("Checksum mismatch for %s expected %s got %s", f.URL, f.Expected.Hex(), f.Actual.Hex())
	}
	return fmt.Sprintf("Error checking %s expected %s: %v", f.URL, f.Expected.Hex(), f.Err)
}

// Error aggregates every failed record of one verification run.
type Error struct {
	Failures []Failure
	Checked  int
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d artifacts failed verification", len(e.Failures), e.Checked)
	for _, f := range e.Failures {
		b.WriteString("\n")
		b.WriteString(f.String())
	}
	return b.String()
}

// Unwrap exposes download and hashing errors to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Mismatches returns only the checksum disagreements.
func (e *Error) Mismatches() []Failure {
	var out []Failure
	for _, f := range e.Failures {
		if f.Mismatch() {
			out = append(out, f)
		}
	}
	return out
}
