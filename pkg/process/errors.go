package process

import "errors"

var (
	// ErrEmptyCommand is returned when no command is given
	ErrEmptyCommand = errors.New("command is required")

	// ErrSessionNotFound is returned for unknown session IDs
	ErrSessionNotFound = errors.New("session not found")

	// ErrExecutionTimeout is reported when a one-shot command hits its timeout
	ErrExecutionTimeout = errors.New("execution timed out")
)
