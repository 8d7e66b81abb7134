// Package apierr defines the ten error kinds the orchestrator raises or
// surfaces and the plumbing to classify infrastructure failures into them.
package apierr

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Kind is one of the ten error kinds an orchestrator operation may produce.
type Kind string

const (
	KindValidationFailed    Kind = "VALIDATION_FAILED"
	KindAuthorizationDenied Kind = "AUTHORIZATION_DENIED"
	KindNotFound            Kind = "NOT_FOUND"
	KindAlreadyExists       Kind = "ALREADY_EXISTS"
	KindSuperseded          Kind = "SUPERSEDED"
	KindLeaseConflict       Kind = "LEASE_CONFLICT"
	KindTransientIO         Kind = "TRANSIENT_IO"
	KindExecutorFailed      Kind = "EXECUTOR_FAILED"
	KindCacheCorruption     Kind = "CACHE_CORRUPTION"
	KindInternal            Kind = "INTERNAL"
)

// Error carries a Kind alongside the operation name and underlying cause.
// Every component (Job API, Lifecycle, Processor, Cache, Scheduler, Executor
// Adapter) raises *Error values rather than bare errors so callers can branch
// on Kind without string matching.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Msg: strings.TrimSpace(msg), Err: cause}
}

func Validation(op, msg string) *Error    { return New(KindValidationFailed, op, msg, nil) }
func AuthDenied(op, msg string) *Error    { return New(KindAuthorizationDenied, op, msg, nil) }
func NotFound(op, msg string) *Error      { return New(KindNotFound, op, msg, nil) }
func AlreadyExists(op, msg string) *Error { return New(KindAlreadyExists, op, msg, nil) }
func Superseded(op, msg string) *Error    { return New(KindSuperseded, op, msg, nil) }
func LeaseConflict(op, msg string) *Error { return New(KindLeaseConflict, op, msg, nil) }
func TransientIO(op, msg string, err error) *Error {
	return New(KindTransientIO, op, msg, err)
}
func ExecutorFailed(op, msg string) *Error  { return New(KindExecutorFailed, op, msg, nil) }
func CacheCorruption(op, msg string) *Error { return New(KindCacheCorruption, op, msg, nil) }
func Internal(op string, err error) *Error  { return New(KindInternal, op, "", err) }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the scheduler may retry the operation that
// produced err: SUPERSEDED/LEASE_CONFLICT are handled silently by the
// scheduler and TRANSIENT_IO is retried up to a configured cap; every other
// kind is terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindSuperseded, KindLeaseConflict, KindTransientIO:
		return true
	default:
		return false
	}
}

// Map classifies an infrastructure failure (gorm/pgx errors, context
// cancellation) into an *Error. Passthrough if err is already one.
func Map(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return New(KindNotFound, op, "", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return New(KindTransientIO, op, "context ended before completion", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return New(KindAlreadyExists, op, "", err) // unique_violation
		case "23503":
			return New(KindValidationFailed, op, "foreign key violation", err) // foreign_key_violation
		case "40001", "40P01", "55P03":
			return New(KindTransientIO, op, "", err) // serialization/deadlock/lock_not_available
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "already exists"):
		return New(KindAlreadyExists, op, "", err)
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "serialization"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporar"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"):
		return New(KindTransientIO, op, "", err)
	default:
		return New(KindInternal, op, "", err)
	}
}
