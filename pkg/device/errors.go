package device

import "errors"

// Package-level errors.
var (
	// ErrInvalidConfig is returned when Config validation fails.
	ErrInvalidConfig = errors.New("device: invalid configuration")

	// ErrInvalidHostName is returned when the host name is not a DNS label.
	ErrInvalidHostName = errors.New("device: invalid host name")

	// ErrInvalidPort is returned when the port is out of range.
	ErrInvalidPort = errors.New("device: port must be 0-65535")

	// ErrInvalidPasswordHash is returned when the password hash is not 32 hex characters.
	ErrInvalidPasswordHash = errors.New("device: password hash must be 32 hex characters")

	// ErrAlreadyStarted is returned when Start() is called on a running device.
	ErrAlreadyStarted = errors.New("device: already started")

	// ErrNotStarted is returned when Stop() is called on a device that is not running.
	ErrNotStarted = errors.New("device: not started")

	// ErrAlreadyStopped is returned when Stop() is called on a stopped device.
	ErrAlreadyStopped = errors.New("device: already stopped")
)
