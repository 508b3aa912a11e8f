package homee

import (
	"errors"
	"fmt"
)

// Error categories. Use errors.Is to classify an error returned by the client;
// the typed errors below unwrap to one of these.
var (
	// ErrAuth is the category of rejected token requests.
	ErrAuth = errors.New("homee: authentication failed")

	// ErrTransport is the category of network and socket failures.
	ErrTransport = errors.New("homee: transport failure")

	// ErrParse is the category of malformed inbound frames.
	ErrParse = errors.New("homee: malformed message")

	// ErrValidation is the category of rejected command arguments and failed lookups.
	ErrValidation = errors.New("homee: invalid argument")

	// ErrMaxRetries is returned once the retry ceiling has been exceeded.
	ErrMaxRetries = errors.New("homee: max retries exceeded")

	// ErrInvalidTokenResponse is returned when the token endpoint answers 2xx
	// with a body that carries no token.
	ErrInvalidTokenResponse = errors.New("homee: invalid token response")

	// ErrNotConnected is returned by operations that need an open socket.
	ErrNotConnected = errors.New("homee: not connected")

	// ErrUnknownAttribute is returned when an attribute id is not in the mirror.
	ErrUnknownAttribute = errors.New("homee: unknown attribute")

	// ErrNoRelationships is returned by group queries before relationships were synced.
	ErrNoRelationships = errors.New("homee: no relationships available")

	// ErrClosed is returned by operations on a client that has been shut down.
	ErrClosed = errors.New("homee: client closed")
)

// AuthError is a non-2xx answer from the token endpoint.
type AuthError struct {
	Status     int
	StatusText string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("request failed with status %d %s", e.Status, e.StatusText)
}

func (e *AuthError) Unwrap() error { return ErrAuth }

// TransportError wraps a network-level failure of op ("token", "dial", "read", "write", "ping").
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// ParseError is an inbound frame that could not be decoded.
type ParseError struct {
	Frame string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("received unexpected message from websocket: %v", e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// ValidationError is a command argument or lookup rejected before anything was sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// MaxRetriesError reports the configured ceiling that was exceeded.
type MaxRetriesError struct {
	Max int
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("reached max retries (%d)", e.Max)
}

func (e *MaxRetriesError) Unwrap() error { return ErrMaxRetries }
