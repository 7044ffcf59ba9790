package error

import (
	stderrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// CustomError is a generic error carrying one of the exit codes declared in
// exit-codes.go. It is
// the lowest common denominator every error in this package reduces to once
// it reaches the cmd/ layer.
type CustomError struct {
	cause    error
	Message  string
	ExitCode int
}

func (e *CustomError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.cause.Error())
	}
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.cause
}

// New builds a terminal error carrying the given exit code.
func New(message string, code int) error {
	return &CustomError{Message: message, ExitCode: code}
}

// NewFromError wraps err with the given exit code. Returns nil if err is nil,
// matching the teacher's power-action idiom where code is only meaningful
// when an error actually occurred.
func NewFromError(err error, code int) error {
	if err == nil {
		return nil
	}
	return &CustomError{cause: err, Message: "operation failed", ExitCode: code}
}

// Kind classifies an error per the taxonomy.
type Kind int

const (
	KindInvalidConfiguration Kind = iota
	KindServicing
	KindDatastore
	KindInternal
	KindEnvironment
)

// StructuredError is the error type every subsystem (C1-C10) is expected to
// return. It carries a taxonomy Kind, an exit code for the CLI layer, and
// accumulates context the way pkg/errors.Wrap does at each propagation layer.
type StructuredError struct {
	Kind     Kind
	ExitCode int
	cause    error
}

func (e *StructuredError) Error() string {
	return e.cause.Error()
}

func (e *StructuredError) Unwrap() error {
	return e.cause
}

// Wrap adds a context message to err and tags it with kind/code. If err is
// already a *StructuredError, its kind/code are preserved and only the
// context is layered on, matching pkg/errors.Wrap's accumulation behavior.
func Wrap(err error, kind Kind, code int, context string) error {
	if err == nil {
		return nil
	}
	var existing *StructuredError
	if se, ok := err.(*StructuredError); ok {
		existing = se
	}
	wrapped := pkgerrors.Wrap(err, context)
	if existing != nil {
		return &StructuredError{Kind: existing.Kind, ExitCode: existing.ExitCode, cause: wrapped}
	}
	return &StructuredError{Kind: kind, ExitCode: code, cause: wrapped}
}

func WrapInvalidConfiguration(err error, context string) error {
	return Wrap(err, KindInvalidConfiguration, InvalidConfiguration, context)
}

func WrapServicing(err error, code int, context string) error {
	return Wrap(err, KindServicing, code, context)
}

func WrapDatastore(err error, context string) error {
	return Wrap(err, KindDatastore, DatastoreOperation, context)
}

func WrapInternal(err error, context string) error {
	return Wrap(err, KindInternal, Unknown, context)
}

func WrapEnvironment(err error, context string) error {
	return Wrap(err, KindEnvironment, UnsupportedEnvironment, context)
}

// ProcessExitCode maps any error this package produces to the agent's
// process-level exit code: 0 on success, 1 when the failure happened before
// any servicing side effect was attempted (bad configuration, a closed or
// unreadable datastore, a missing prerequisite in the running environment),
// 2 when it happened during or after a servicing operation actually started
// acting on the host. This is coarser than the per-subsystem ExitCode
// embedded in each error, which callers can still inspect for diagnostics.
func ProcessExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StructuredError
	if stderrors.As(err, &se) {
		switch se.Kind {
		case KindInvalidConfiguration, KindDatastore, KindEnvironment:
			return 1
		default:
			return 2
		}
	}
	var ce *CustomError
	if stderrors.As(err, &ce) {
		if ce.ExitCode == InvalidConfiguration {
			return 1
		}
		return 2
	}
	return 2
}
