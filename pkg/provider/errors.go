package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind classifies a provider call failure. no_speech and cancelled are
// terminal — they describe the request, not the endpoint — so failover does
// not try further endpoints for them.
type ErrorKind string

const (
	KindConnect    ErrorKind = "connect"
	KindTimeout    ErrorKind = "timeout"
	KindHTTPStatus ErrorKind = "http_status"
	KindDecode     ErrorKind = "decode"
	KindNoSpeech   ErrorKind = "no_speech"
	KindCancelled  ErrorKind = "cancelled"
	KindOther      ErrorKind = "other"
)

// terminal reports whether the kind short-circuits failover.
func (k ErrorKind) terminal() bool {
	return k == KindNoSpeech || k == KindCancelled
}

// Error is a classified provider call failure.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("provider %s: %s: %s", e.Endpoint, e.Kind, msg)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified provider error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the [ErrorKind] from err, classifying plain transport
// errors when err is not already a provider [Error].
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnect
	}
	if strings.Contains(err.Error(), "connection refused") {
		return KindConnect
	}
	return KindOther
}

// Failure is one endpoint's contribution to an [AllFailedError].
type Failure struct {
	Endpoint string
	Kind     ErrorKind
	Message  string
	Elapsed  time.Duration
}

// AllFailedError aggregates the per-endpoint failures after failover walked
// every endpoint of a role without success.
type AllFailedError struct {
	Role     Role
	Attempts []Failure
}

// Error implements the error interface.
func (e *AllFailedError) Error() string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Endpoint
	}
	return fmt.Sprintf("all %s providers failed (tried %s)",
		strings.ToUpper(string(e.Role)), strings.Join(names, ", "))
}

// Endpoints returns the attempted endpoint IDs in try order.
func (e *AllFailedError) Endpoints() []string {
	out := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Endpoint
	}
	return out
}
