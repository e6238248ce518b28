package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a workflow instance does not exist.
	ErrNotFound = errors.New("workflow not found")

	// ErrExists is returned when creating an instance whose id is taken.
	ErrExists = errors.New("workflow already exists")

	// ErrConflict is returned when a write lost an optimistic concurrency race.
	ErrConflict = errors.New("concurrent modification")

	// ErrLeaseHeld is returned when another owner holds a workflow lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
)
