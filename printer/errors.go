package printer

import "errors"

// Dispatch errors. They are returned synchronously and never retried.
var (
	// ErrNotConnected is returned for commands issued while the session is
	// not Connected. The command is not queued.
	ErrNotConnected = errors.New("printer not connected")

	// ErrInvalidArgument is returned for out-of-range command arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)
