package k1ws

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Send and Receive once the connection is closed.
	ErrClosed = errors.New("connection closed")

	// ErrStalled marks a connection that stopped producing frames.
	ErrStalled = errors.New("no frame received within idle timeout")
)

// ConnError reports a failed connection attempt or a broken link.
// It is always retryable.
type ConnError struct {
	Host string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Host, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// SendError reports a write to a closed or broken socket.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DecodeError reports an inbound frame that could not be parsed.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64]
	}
	return fmt.Sprintf("decode frame %q: %v", frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConfigError reports a configuration that can never connect, such as a
// malformed host. It is not retried.
type ConfigError struct {
	Host   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid printer host %q: %s", e.Host, e.Reason)
}
