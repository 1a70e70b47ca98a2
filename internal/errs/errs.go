// Package errs defines the closed error taxonomy used across the pipeline.
// Every failure that crosses a component boundary carries a Kind, a human
// message, and machine-readable recovery hints.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	Unknown Kind = iota
	Network      // transport failures, 5xx, connection resets
	Integrity    // corrupt or ambiguous payload (bad ZIP, multiple members)
	Schema       // column drift between expected and observed
	Validation   // business or structural rules violated
	IO           // filesystem failures
	Warehouse    // warehouse connect or load failures
	Config       // misconfiguration, caught at startup
	Timeout      // wall-clock deadline exceeded
	Cancelled    // cooperative cancellation observed
	NotFound     // authoritative "no data" from an upstream
	LoadMismatch // post-load verification count disagreement
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Integrity:
		return "integrity"
	case Schema:
		return "schema"
	case Validation:
		return "validation"
	case IO:
		return "io"
	case Warehouse:
		return "warehouse"
	case Config:
		return "config"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case NotFound:
		return "not_found"
	case LoadMismatch:
		return "load_mismatch"
	default:
		return "unknown"
	}
}

// Error is the taxonomy's concrete error type.
type Error struct {
	Kind      Kind
	Op        string            // operation that failed, e.g. "fetch.nse_cm_bhavcopy"
	Msg       string            // human message
	Retryable bool              // hint for the task runtime's backoff
	Hints     map[string]string // machine-readable recovery hints
	Err       error             // wrapped cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Hint attaches a machine-readable recovery hint and returns the error.
func (e *Error) Hint(key, value string) *Error {
	if e.Hints == nil {
		e.Hints = make(map[string]string)
	}
	e.Hints[key] = value
	return e
}

// New constructs a taxonomy error. Retryability defaults from the kind and
// can be overridden via MarkRetryable / MarkFatal.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Retryable: defaultRetryable(kind)}
}

// Wrap annotates an existing error with a kind and operation.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: defaultRetryable(kind), Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

func (e *Error) MarkRetryable() *Error { e.Retryable = true; return e }
func (e *Error) MarkFatal() *Error     { e.Retryable = false; return e }

func defaultRetryable(kind Kind) bool {
	switch kind {
	case Network, Timeout, Warehouse:
		return true
	default:
		return false
	}
}

// KindOf extracts the taxonomy kind from any error chain. Plain errors and
// nil classify as Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsRetryable reports whether the task runtime may retry the operation.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsKind reports whether the chain contains an error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Process exit codes, part of the external contract.
const (
	ExitOK            = 0
	ExitMisconfigured = 2
	ExitUpstream      = 3
	ExitValidation    = 4
	ExitLoadMismatch  = 5
	ExitCancelled     = 130
)

// ExitCode maps a terminal error to the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case Config:
		return ExitMisconfigured
	case Network, NotFound, Timeout:
		return ExitUpstream
	case Validation:
		return ExitValidation
	case LoadMismatch:
		return ExitLoadMismatch
	case Cancelled:
		return ExitCancelled
	default:
		return 1
	}
}
