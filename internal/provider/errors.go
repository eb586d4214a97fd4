package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure for the orchestrator's fallback
// and retry policy.
type ErrorKind string

const (
	KindRateLimit      ErrorKind = "rate_limit"
	KindUnavailable    ErrorKind = "unavailable"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindTransient      ErrorKind = "transient"
	KindFatal          ErrorKind = "fatal"
)

// CallError is the classified failure returned by provider adapters.
type CallError struct {
	ProviderName string
	Kind         ErrorKind
	StatusCode   int
	Message      string
	RetryAfter   *time.Duration
}

func (e *CallError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s (status=%d): %s", e.ProviderName, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.ProviderName, e.Kind, msg)
}

// NewCallError builds a classified error without an HTTP status.
func NewCallError(providerName string, kind ErrorKind, message string) *CallError {
	return &CallError{ProviderName: providerName, Kind: kind, Message: message}
}

// FromHTTPStatus maps an HTTP status code to an error kind. Authentication
// and permission failures are fatal: they are configuration problems, not
// provider-swappable conditions.
func FromHTTPStatus(providerName string, statusCode int, message string, retryAfter *time.Duration) *CallError {
	e := &CallError{
		ProviderName: providerName,
		StatusCode:   statusCode,
		Message:      message,
		RetryAfter:   retryAfter,
	}
	switch statusCode {
	case 400, 404, 413, 422:
		e.Kind = KindInvalidRequest
	case 401, 403:
		e.Kind = KindFatal
	case 408:
		e.Kind = KindTransient
	case 429:
		e.Kind = KindRateLimit
	case 500, 502, 503, 504:
		e.Kind = KindUnavailable
	default:
		e.Kind = KindTransient
	}
	return e
}

// Classify extracts the error kind from an error chain. Context cancellation
// propagates as-is at call sites; anything unclassified is treated as
// transient so the orchestrator will retry then fall back.
func Classify(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// RetryAfterOf returns the provider-reported cool-down, if any.
func RetryAfterOf(err error) *time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return nil
}

// ParseRetryAfter parses a Retry-After header value. Supported forms:
// integer seconds and HTTP-date (RFC 7231).
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
