package manifest

import (
	"errors"
	"fmt"

	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
)

// LockError reports a failure to open, acquire or release the manifest lock.
type LockError struct {
	Path string
	Op   string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("manifest lock %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// WriteError reports a failure to replace the manifest after a successful
// mutation. The previous manifest is still in place.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write manifest %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Transaction outcomes, used as the metrics label.
const (
	OutcomeOK         = "ok"
	OutcomeConflict   = "conflict"
	OutcomeParseError = "parse_error"
	OutcomeLockError  = "lock_error"
	OutcomeWriteError = "write_error"
	OutcomeAborted    = "aborted"
)

// Outcome classifies the error returned by Update or Publish.
func Outcome(err error) string {
	var (
		conflict *inventory.ChecksumConflictError
		parse    *inventory.ParseError
		lock     *LockError
		write    *WriteError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &conflict):
		return OutcomeConflict
	case errors.As(err, &parse):
		return OutcomeParseError
	case errors.As(err, &lock):
		return OutcomeLockError
	case errors.As(err, &write):
		return OutcomeWriteError
	default:
		return OutcomeAborted
	}
}
