// Package errs holds the agent's error taxonomy.
//
// TransientIO and ValidationRejection are handled inside a tick and never
// escape the control loop. ReconciliationMismatch is resolved automatically
// and only audited. FatalConfig stops startup.
package errs

import (
	"context"
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	TransientIO
	ValidationRejection
	ReconciliationMismatch
	FatalConfig
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case ValidationRejection:
		return "validation_rejection"
	case ReconciliationMismatch:
		return "reconciliation_mismatch"
	case FatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind and op. A nil err stays nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error { return E(TransientIO, op, err) }

func Fatal(op string, err error) error { return E(FatalConfig, op, err) }

func Rejection(op string, err error) error { return E(ValidationRejection, op, err) }

func Mismatch(op string, err error) error { return E(ReconciliationMismatch, op, err) }

// KindOf returns the innermost classified kind. Context deadlines and
// cancellations count as TransientIO.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TransientIO
	}
	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == TransientIO }

func IsFatal(err error) bool { return KindOf(err) == FatalConfig }
