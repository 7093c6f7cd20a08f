// Package xerrors adds call sites and stacks to errors for the structured
// logger, and marks errors that retrying cannot fix.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the call stack captured where the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated adds a message and the single call site of the Wrap.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

type permanent struct{ err error }

func (p *permanent) Error() string     { return p.err.Error() }
func (p *permanent) Unwrap() error     { return p.err }
func (p *permanent) IsXerrorsWrapper() {}

// callers skips runtime.Callers, callers itself, the exported constructor
// and skip more frames, so the stack starts at the constructor's caller.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	return pcs[:runtime.Callers(3+skip, pcs)]
}

func callerPC() uintptr {
	var pc [1]uintptr
	// runtime.Callers, callerPC, Wrap or Wrapf
	if runtime.Callers(3, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return &stacked{err: errors.New(msg), pcs: callers(0)} }

// Newf is New with fmt.Errorf formatting, so %w works.
func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: callers(0)}
}

// WithStack records the caller's stack on err. Nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: callers(0)}
}

// Wrap prefixes err with msg and records where it was wrapped. Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: callerPC()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC()}
}

// Permanent marks err as not worth retrying: the same input fails the same way.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether any error in err's chain was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}
