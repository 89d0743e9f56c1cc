package bus

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific errors for bus operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a key, grid or device does not exist on the bus.
	ErrNotFound = errors.New("bus: not found")

	// ErrAmbiguous is returned when discovery matches more than one telemetry key.
	ErrAmbiguous = errors.New("bus: ambiguous match")

	// ErrNotConnected is returned by fail-fast publishes while the session is down.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrClosed is returned for any operation on a closed connection.
	ErrClosed = errors.New("bus: connection closed")

	// ErrValidation is returned when command parameters are rejected locally.
	ErrValidation = errors.New("bus: invalid parameter")

	// ErrTransport classifies network and protocol failures.
	ErrTransport = errors.New("bus: transport error")
)

// AmbiguousError lists every telemetry key that matched a discovery pattern.
type AmbiguousError struct {
	Pattern string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous pattern '%s' matches %d keys: %s", e.Pattern, len(e.Matches), strings.Join(e.Matches, ", "))
}

// Is makes errors.Is(err, ErrAmbiguous) true.
func (e *AmbiguousError) Is(target error) bool {
	return target == ErrAmbiguous
}

// ValidationError reports a parameter that failed local validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransportError wraps a failure talking to Redis.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransport) true.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IsNotFound checks if an error means the requested entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// isPermanentAuthError reports whether Redis rejected the credentials. These
// are returned to the caller of Connect instead of being retried.
func isPermanentAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, prefix := range []string{"WRONGPASS", "NOAUTH", "NOPERM", "ERR invalid password", "ERR AUTH"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
