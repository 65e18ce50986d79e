package partition

import "errors"

// Partition errors.
var (
	// ErrInvalidLayout is returned for a malformed partition layout.
	ErrInvalidLayout = errors.New("partition: invalid layout")

	// ErrNotFound is returned when no partition matches a lookup.
	ErrNotFound = errors.New("partition: not found")

	// ErrOutOfBounds is returned for accesses beyond a partition.
	ErrOutOfBounds = errors.New("partition: access out of bounds")

	// ErrNotApp is returned when a boot target is not an app partition.
	ErrNotApp = errors.New("partition: not an app partition")

	// ErrNoOTAData is returned when the layout has no otadata partition.
	ErrNoOTAData = errors.New("partition: no otadata partition")

	// ErrBusy is returned when another writer holds the claim.
	ErrBusy = errors.New("partition: another update is in progress")

	// ErrRunning is returned when claiming the running partition.
	ErrRunning = errors.New("partition: partition is running")
)
