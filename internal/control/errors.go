package control

import "errors"

// Sentinel errors for control-plane operations.
var (
	// ErrNotFound is returned when no pending action has the given id.
	ErrNotFound = errors.New("action not found")
	// ErrInvalidState is returned when an action is not pending.
	ErrInvalidState = errors.New("action is not pending")
	// ErrNilAction is returned when enqueueing without a payload.
	ErrNilAction = errors.New("action payload is required")
	// ErrNoActionTypes is returned when a protection names no action types.
	ErrNoActionTypes = errors.New("protection must name at least one action type")
)
