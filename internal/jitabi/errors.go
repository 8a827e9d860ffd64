// Package jitabi pins down the contract between the resolution engine and
// code generators: the environment interface, the structs that cross it,
// the helper call numbering, and the three failure tiers. Everything here is
// load-bearing ABI; changing a value invalidates previously published images.
package jitabi

import (
	"errors"
	"fmt"

	"pregen/internal/meta"
)

// ErrDeferToRuntimeJIT is the softest failure: the method cannot be compiled
// ahead of time, but nothing is wrong with it. The runtime JIT picks it up
// on first call. Wrap it with context; callers test with errors.Is.
var ErrDeferToRuntimeJIT = errors.New("defer method to runtime jit")

// MethodError aborts one method's compilation. The driver substitutes a
// throw stub so the failure surfaces at first call instead of at load.
type MethodError struct {
	Method meta.MethodID
	Stage  string
	Err    error
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("method %d failed in %s: %v", e.Method, e.Stage, e.Err)
}

func (e *MethodError) Unwrap() error { return e.Err }

// AbortMethod wraps err as a MethodError for the given stage.
func AbortMethod(m meta.MethodID, stage string, err error) *MethodError {
	return &MethodError{Method: m, Stage: stage, Err: err}
}

// FatalError poisons the whole compilation: the inputs are inconsistent or
// an internal invariant broke, and any image produced would be wrong.
type FatalError struct {
	Context string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal: " + e.Context
	}
	return fmt.Sprintf("fatal: %s: %v", e.Context, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a FatalError from a format string.
func Fatalf(format string, args ...any) *FatalError {
	return &FatalError{Context: fmt.Sprintf(format, args...)}
}

// FatalWrap builds a FatalError around an underlying error.
func FatalWrap(context string, err error) *FatalError {
	return &FatalError{Context: context, Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
