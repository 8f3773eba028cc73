package core

import "errors"

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidState is returned when an operation is illegal for the
	// record's current status, e.g. cancelling a completed task.
	ErrInvalidState = errors.New("invalid state for operation")
)
