package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error that formats as the given text.
func New(msg string) error {
	return goErrors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

type contextError struct {
	err     error
	context string
}

// WithContext annotates `err` with a short description of what was being
// done when it occurred. The result formats as "context: err".
// WithContext returns nil if `err` is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{err: err, context: context}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// RootCause strips all context and wrapping from `err` and returns the
// innermost error.
func RootCause(err error) error {
	for {
		next := goErrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// FriendlyError is an error whose message is meant to be shown to the user
// as is, without the context chain that led to it.
type FriendlyError struct {
	template string
	args     []interface{}
}

// NewFriendlyError creates a FriendlyError with a printf style message.
func NewFriendlyError(template string, args ...interface{}) error {
	return FriendlyError{template, args}
}

func (err FriendlyError) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage returns the formatted message.
func (err FriendlyError) FriendlyMessage() string {
	return fmt.Sprintf(err.template, err.args...)
}

// GetFriendlyMessage returns the friendly message contained in `err`, if
// any error in its chain implements FriendlyMessage.
func GetFriendlyMessage(err error) (string, bool) {
	var friendly interface{ FriendlyMessage() string }
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage(), true
	}
	return "", false
}
