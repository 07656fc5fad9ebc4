// Package errors provides the error taxonomy for the simulator bridge.
// It distinguishes caller-data errors (the simulator produced bad data) from
// infrastructure errors (the connection or the bridge itself failed), and
// classifies every error by how it should be handled: retried, surfaced as
// an aborted episode, or treated as fatal for the whole session.
package errors

import (
	"errors"
	"fmt"
)

// Class represents the handling classification of a bridge error.
type Class int

const (
	// ClassTransient marks errors that may be retried with backoff.
	ClassTransient Class = iota
	// ClassEpisode marks caller-data errors that abort the current episode
	// but leave the session running.
	ClassEpisode
	// ClassFatal marks unrecoverable errors that end the session.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassEpisode:
		return "episode"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	ErrAlreadyStarted = errors.New("bridge already started")
	ErrNotStarted     = errors.New("bridge not started")
	ErrClosed         = errors.New("bridge closed")

	ErrNotConnected  = errors.New("not connected to training service")
	ErrStepDeadline  = errors.New("step reply deadline exceeded")
	ErrStopRequested = errors.New("stop requested")
)

// AuthenticationError indicates the access credential was absent or rejected.
// It is fatal: the session cannot be established and retrying will not help.
type AuthenticationError struct {
	Endpoint string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Endpoint, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectError indicates a transport-level failure while opening or using the
// connection. It is transient: the connection manager retries with backoff.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectionLostError indicates the reconnect attempt budget was exhausted.
// It is fatal and carries the number of attempts made.
type ConnectionLostError struct {
	Attempts int
	Err      error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// SchemaError indicates a wire schema the registry cannot bind: an
// unrecognized field kind, a cyclic nested structure, or a depth overflow.
// It is fatal because the protocol cannot proceed without the schema.
type SchemaError struct {
	Schema string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %q cannot be bound: %s", e.Schema, e.Reason)
}

// ConversionError indicates a record that does not match its schema: a
// missing required field or a value of the wrong kind. It names the offending
// field and the expected kind so callers can tell "my simulator returned bad
// data" apart from a corrupt wire payload. Episode-scoped: the current
// episode is aborted, the session continues.
type ConversionError struct {
	Field string
	Kind  string
	Err   error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("field %q: expected %s: %v", e.Field, e.Kind, e.Err)
	}
	return fmt.Sprintf("field %q: expected %s", e.Field, e.Kind)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// SimulatorError indicates the simulator callback itself failed. It ends the
// current episode but not the session; the runner calls Reset again.
type SimulatorError struct {
	Op  string
	Err error
}

func (e *SimulatorError) Error() string {
	return fmt.Sprintf("simulator %s failed: %v", e.Op, e.Err)
}

func (e *SimulatorError) Unwrap() error { return e.Err }

// InternalProtocolError indicates a bridge-internal invariant violation, such
// as a second in-flight message in one direction or an impossible state
// machine transition. It is fatal and never attributed to the remote side.
type InternalProtocolError struct {
	Detail string
}

func (e *InternalProtocolError) Error() string {
	return fmt.Sprintf("internal protocol violation: %s", e.Detail)
}

// Classify returns the handling class for an error.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var (
		authErr   *AuthenticationError
		connErr   *ConnectError
		lostErr   *ConnectionLostError
		schemaErr *SchemaError
		convErr   *ConversionError
		simErr    *SimulatorError
		protoErr  *InternalProtocolError
	)
	switch {
	case errors.As(err, &authErr),
		errors.As(err, &lostErr),
		errors.As(err, &schemaErr),
		errors.As(err, &protoErr):
		return ClassFatal
	case errors.As(err, &convErr), errors.As(err, &simErr):
		return ClassEpisode
	case errors.As(err, &connErr):
		return ClassTransient
	}

	if errors.Is(err, ErrStepDeadline) || errors.Is(err, ErrClosed) {
		return ClassFatal
	}
	return ClassTransient
}

// IsFatal reports whether the error ends the session.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ClassFatal
}

// IsEpisodeScoped reports whether the error aborts only the current episode.
// These are caller-data errors: the simulator or its state output is at
// fault, not the connection.
func IsEpisodeScoped(err error) bool {
	return err != nil && Classify(err) == ClassEpisode
}

// IsTransient reports whether the error may be retried with backoff.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}
