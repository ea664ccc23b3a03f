// Package errors wraps github.com/go-errors/errors so that errors raised
// inside the node carry the stack of the place they were created.
package errors

import (
	stderrors "errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// New returns an error with the given text and the caller's stack.
func New(text string) error {
	return goerrors.Wrap(stderrors.New(text), 1)
}

// Errorf formats an error (honouring %w) and records the caller's stack.
func Errorf(format string, args ...interface{}) error {
	return goerrors.Wrap(fmt.Errorf(format, args...), 1)
}

// Wrap prefixes err with msg. A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return goerrors.WrapPrefix(err, msg, 1)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Stack returns the recorded stack of err, or an empty string when err
// was not created by this package.
func Stack(err error) string {
	var ge *goerrors.Error
	if stderrors.As(err, &ge) {
		return string(ge.Stack())
	}
	return ""
}

// Recover converts a panic into an error and hands it to fn. It must be
// invoked directly by defer.
func Recover(fn func(err error)) {
	if r := recover(); r != nil {
		fn(goerrors.Wrap(r, 2))
	}
}
