package domain

import "errors"

var (
	// ErrAuthentication is returned when a credential is missing or invalid.
	ErrAuthentication = errors.New("authentication failed")
	// ErrPermission is returned when the caller is not allowed to act on a board.
	ErrPermission = errors.New("permission denied")
	// ErrContainerNotFound is returned when a destination column or board does not exist.
	ErrContainerNotFound = errors.New("container not found")
	// ErrItemNotFound is returned when the card or column being moved does not exist.
	ErrItemNotFound = errors.New("item not found")
	// ErrPositionConflict signals that a concurrent writer changed the order
	// underneath a transaction. Callers retry.
	ErrPositionConflict = errors.New("position conflict")
)
