package hp

import (
	"fmt"
)

// InvalidChannelError is returned when a channel index is not 0, 1, or 2.
// It is returned before anything is sent to the supply.
type InvalidChannelError struct {
	Channel Channel
}

// Error satisfies stdlib error interface
func (e InvalidChannelError) Error() string {
	return fmt.Sprintf("invalid channel %d, valid channels are 0 (P6V), 1 (P25V), 2 (N25V)", int(e.Channel))
}

// ClientError marks the error as the caller's fault
func (e InvalidChannelError) ClientError() bool { return true }

// ValidationError is returned when a value is outside a property's legal
// set or range.  It is returned before the write is sent.
type ValidationError struct {
	Property string
	Value    interface{}
	Reason   string
}

// Error satisfies stdlib error interface
func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid value %v for %s: %s", e.Value, e.Property, e.Reason)
}

// ClientError marks the error as the caller's fault
func (e ValidationError) ClientError() bool { return true }

// TransportError is returned when a command could not be exchanged with the
// supply, or its response could not be understood
type TransportError struct {
	Cmd string
	Err error
}

// Error satisfies stdlib error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionError is returned when the link to the supply cannot be opened
type ConnectionError struct {
	Addr string
	Err  error
}

// Error satisfies stdlib error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error
func (e *ConnectionError) Unwrap() error { return e.Err }
