package main

import (
	"errors"
	"fmt"
	"io"
)

// ExitError carries a specific exit code out of a RunE handler.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// usage errors exit 2, everything else 1
const (
	exitFailure = 1
	exitUsage   = 2
)

// renderExit prints the failure card for err and returns its exit code.
func renderExit(w io.Writer, command string, err error) int {
	code := exitFailure
	var ee *ExitError
	if errors.As(err, &ee) && ee.Code != 0 {
		code = ee.Code
	}
	fmt.Fprintln(w, renderFailureCard(command, err))
	return code
}
