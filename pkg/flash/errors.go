package flash

import "errors"

// Flash errors.
var (
	// ErrOutOfRange is returned for accesses beyond the device.
	ErrOutOfRange = errors.New("flash: address out of range")

	// ErrUnaligned is returned for writes not aligned to WriteAlign.
	ErrUnaligned = errors.New("flash: unaligned write")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("flash: device closed")
)
