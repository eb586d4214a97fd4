// Package errs defines the internal error taxonomy and its mapping onto
// JSON-RPC error objects. Every failure that crosses the tool boundary is
// wrapped in an *Error so the dispatcher can emit a stable code, a human
// message, and structured details without inspecting component internals.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies one entry in the error taxonomy.
type Kind string

const (
	Validation       Kind = "validation_error"
	PathSecurity     Kind = "path_security_error"
	SessionNotFound  Kind = "session_not_found"
	SessionBusy      Kind = "session_busy"
	SessionFinalized Kind = "session_finalized"
	SessionFull      Kind = "session_full"
	BudgetExhausted  Kind = "budget_exhausted"
	CircuitOpen      Kind = "circuit_open"
	AllProvidersDown Kind = "all_providers_unavailable"
	InvalidRequest   Kind = "invalid_request"
	Internal         Kind = "internal"
)

// Code returns the stable JSON-RPC error code for the kind.
// Validation maps to the protocol's invalid-params code; Internal to the
// protocol's internal-error code; everything else uses server-defined codes.
func (k Kind) Code() int {
	switch k {
	case Validation:
		return -32602
	case PathSecurity:
		return -32001
	case SessionNotFound:
		return -32002
	case SessionBusy:
		return -32003
	case SessionFinalized:
		return -32004
	case SessionFull:
		return -32005
	case BudgetExhausted:
		return -32006
	case CircuitOpen:
		return -32007
	case AllProvidersDown:
		return -32008
	case InvalidRequest:
		return -32009
	default:
		return -32603
	}
}

// Retryable reports whether a caller can reasonably retry the same request.
func (k Kind) Retryable() bool {
	switch k {
	case Validation, SessionBusy, BudgetExhausted, CircuitOpen, AllProvidersDown:
		return true
	default:
		return false
	}
}

// Error is the taxonomy-aware error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any // structured details for the JSON-RPC error.data field
	Err     error          // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithData returns a copy of e carrying the given structured details.
func (e *Error) WithData(data map[string]any) *Error {
	out := *e
	out.Data = data
	return &out
}

// KindOf extracts the taxonomy kind from an error chain.
// Unclassified errors are reported as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// DataOf extracts the structured details from an error chain, or nil.
func DataOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Data
	}
	return nil
}

// NewValidation builds the composite validation error required by the wire
// contract: every missing or ill-typed field is enumerated so the caller can
// fix all problems in one round-trip.
func NewValidation(missing []string, invalid map[string]string) *Error {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
	}
	fields := make([]string, 0, len(invalid))
	for field := range invalid {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("invalid field %s: %s", field, invalid[field]))
	}
	if len(parts) == 0 {
		parts = append(parts, "invalid arguments")
	}
	data := map[string]any{}
	if len(missing) > 0 {
		data["missing"] = missing
	}
	if len(invalid) > 0 {
		data["invalid"] = invalid
	}
	return &Error{
		Kind:    Validation,
		Message: strings.Join(parts, "; "),
		Data:    data,
	}
}
