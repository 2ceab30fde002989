package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the closed classification of provider failures. Every backend
// exception maps onto exactly one kind.
type ErrorKind string

const (
	ErrApiKey        ErrorKind = "api_key"
	ErrTimeout       ErrorKind = "timeout"
	ErrConnection    ErrorKind = "connection"
	ErrRateLimit     ErrorKind = "rate_limit"
	ErrContentPolicy ErrorKind = "content_policy"
	ErrValidation    ErrorKind = "validation"
	ErrModel         ErrorKind = "model"
	ErrInternal      ErrorKind = "internal"
	ErrUnknown       ErrorKind = "unknown"
)

// recoveryHints maps each kind to an operator-facing hint.
var recoveryHints = map[ErrorKind]string{
	ErrApiKey:        "rotate or replace the provider API key",
	ErrTimeout:       "retry with a longer timeout or a smaller request",
	ErrConnection:    "check network reachability to the provider endpoint",
	ErrRateLimit:     "back off and rotate to the next API key",
	ErrContentPolicy: "the prompt was refused; rephrase the request",
	ErrValidation:    "fix the request parameters before retrying",
	ErrModel:         "the requested model is unknown or retired; update config",
	ErrInternal:      "provider-side failure; retry against another provider",
	ErrUnknown:       "inspect logs; unclassified provider failure",
}

// RecoveryHint returns the operator-facing hint for the kind.
func (k ErrorKind) RecoveryHint() string {
	if h, ok := recoveryHints[k]; ok {
		return h
	}
	return recoveryHints[ErrUnknown]
}

// Terminal reports whether the kind should abort the per-provider retry loop:
// retrying the same provider with the same key cannot succeed.
func (k ErrorKind) Terminal() bool {
	switch k {
	case ErrApiKey, ErrContentPolicy, ErrModel, ErrRateLimit:
		return true
	}
	return false
}

// ClassifiedError wraps a provider error with its kind and an optional
// Retry-After value in seconds.
type ClassifiedError struct {
	Err        error
	Kind       ErrorKind
	RetryAfter int
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// StatusError captures an HTTP status code from a provider response. Adapters
// return it so classification can inspect the code instead of sniffing text.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses a Retry-After header value (seconds or HTTP-date).
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
		return
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfterSecs = int(d.Seconds())
		}
	}
}

// Classify maps an arbitrary provider error onto an ErrorKind. Status codes
// are authoritative; body sniffing is the last resort for backends that bury
// the real failure in a 200-family or generic error payload.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Err: err, Kind: ErrTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{Err: err, Kind: ErrConnection}
	}

	var se *StatusError
	if errors.As(err, &se) {
		out := &ClassifiedError{Err: err, RetryAfter: se.RetryAfterSecs}
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			out.Kind = ErrApiKey
		case se.StatusCode == 429 || se.StatusCode == 529:
			out.Kind = ErrRateLimit
		case se.StatusCode == 404:
			out.Kind = ErrModel
		case se.StatusCode == 400:
			if looksLikePolicyRefusal(se.Body) {
				out.Kind = ErrContentPolicy
			} else {
				out.Kind = ErrValidation
			}
		case se.StatusCode >= 500:
			out.Kind = ErrInternal
		default:
			out.Kind = ErrUnknown
		}
		return out
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &ClassifiedError{Err: err, Kind: ErrTimeout}
		}
		return &ClassifiedError{Err: err, Kind: ErrConnection}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return &ClassifiedError{Err: err, Kind: ErrConnection}
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return &ClassifiedError{Err: err, Kind: ErrTimeout}
	}
	return &ClassifiedError{Err: err, Kind: ErrUnknown}
}

func looksLikePolicyRefusal(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "content_policy") ||
		strings.Contains(b, "content policy") ||
		strings.Contains(b, "safety") ||
		strings.Contains(b, "blocked")
}
