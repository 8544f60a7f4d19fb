package core

import (
	"errors"
	"fmt"
)

// ParseError reports a frame that could not be decoded into an event. The
// frame is dropped and the stream stays open.
type ParseError struct {
	Tag    string // envelope type, empty when the envelope itself was unreadable
	Reason string
	Frame  string // excerpt of the offending frame
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse error [%s]: %s", e.Tag, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TransportError is terminal for the stream it occurred on. No reconnect is
// attempted.
type TransportError struct {
	Op         string // "open", "read"
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: %s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HydrationError reports a failed history fetch. The session keeps its
// previous state.
type HydrationError struct {
	SessionID string
	Err       error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydration error [%s]: %v", e.SessionID, e.Err)
}

func (e *HydrationError) Unwrap() error {
	return e.Err
}

// BackendError is returned by the request/response collaborators.
type BackendError struct {
	Op         string // "create_session", "list_sessions", ...
	StatusCode int
	Body       string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend error [%s]: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend error [%s]: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

var (
	// ErrNoActiveSession is returned by operations that need an active session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionNotFound is returned for ids the store has never seen.
	ErrSessionNotFound = errors.New("session not found")
	// ErrIdleTimeout is delivered to the stream when no frame arrived in time.
	ErrIdleTimeout = errors.New("stream idle timeout")
)

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsHydrationError reports whether err is or wraps a *HydrationError.
func IsHydrationError(err error) bool {
	var he *HydrationError
	return errors.As(err, &he)
}

// IsBackendError reports whether err is or wraps a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
