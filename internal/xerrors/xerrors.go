// Package xerrors attaches call-site information to errors for the logger,
// which renders it as error_links and stack attributes.
//
// Wrap and Wrapf record the single program counter of the wrapping call.
// New, Newf and Join capture a full stack. Every error built here keeps its
// causes reachable through errors.Is and errors.As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stackError is a leaf error with the stack of the call that created it.
type stackError struct {
	err error
	pcs []uintptr
}

func (e *stackError) Error() string       { return e.err.Error() }
func (e *stackError) Unwrap() error       { return e.err }
func (e *stackError) StackPCs() []uintptr { return e.pcs }

// frameError prefixes a cause with a message and remembers where.
type frameError struct {
	msg string
	err error
	pc  uintptr
}

func (e *frameError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *frameError) Unwrap() error { return e.err }
func (e *frameError) PC() uintptr   { return e.pc }

// joinError is errors.Join plus the stack of the joining call.
type joinError struct {
	errs []error
	pcs  []uintptr
}

func (e *joinError) Error() string       { return errors.Join(e.errs...).Error() }
func (e *joinError) Unwrap() []error     { return e.errs }
func (e *joinError) StackPCs() []uintptr { return e.pcs }

// stackAt captures the stack above the exported constructor. skip counts
// frames above stackAt itself.
func stackAt(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// runtime.Callers, stackAt
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func pcAt(skip int) uintptr {
	var pcs [1]uintptr
	// runtime.Callers, pcAt
	if runtime.Callers(2+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with a captured stack.
func New(msg string) error {
	return &stackError{err: errors.New(msg), pcs: stackAt(1)}
}

// Newf is New with a format string. %w verbs are honored.
func Newf(format string, args ...any) error {
	return &stackError{err: fmt.Errorf(format, args...), pcs: stackAt(1)}
}

// Wrap prefixes err with msg. A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &frameError{msg: msg, err: err, pc: pcAt(1)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &frameError{msg: fmt.Sprintf(format, args...), err: err, pc: pcAt(1)}
}

// Join drops nil errors and combines the rest; it returns nil when nothing
// is left. The message matches errors.Join.
func Join(errs ...error) error {
	kept := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &joinError{errs: kept, pcs: stackAt(1)}
}
