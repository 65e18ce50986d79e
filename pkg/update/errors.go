package update

import "errors"

// ErrorKind classifies update failures.
type ErrorKind int

const (
	// KindNone means no error.
	KindNone ErrorKind = iota
	KindWrite
	KindErase
	KindRead
	KindSpace
	KindSize
	KindStream
	KindDigest
	KindMagicByte
	KindActivate
	KindNoPartition
	KindBadArgument
	KindAbort
	KindDecrypt
	KindSign
)

// String returns the human-readable description reported to uploaders.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "No Error"
	case KindWrite:
		return "Flash Write Failed"
	case KindErase:
		return "Flash Erase Failed"
	case KindRead:
		return "Flash Read Failed"
	case KindSpace:
		return "Not Enough Space"
	case KindSize:
		return "Bad Size Given"
	case KindStream:
		return "Stream Read Timeout"
	case KindDigest:
		return "MD5 Check Failed"
	case KindMagicByte:
		return "Wrong Magic Byte"
	case KindActivate:
		return "Could Not Activate The Firmware"
	case KindNoPartition:
		return "Partition Could Not be Found"
	case KindBadArgument:
		return "Bad Argument"
	case KindAbort:
		return "Aborted"
	case KindDecrypt:
		return "Decryption Failed"
	case KindSign:
		return "Signature Verification Failed"
	default:
		return "UNKNOWN"
	}
}

// Error is an update failure of a given kind. Err, if set, holds the cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "update: " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "update: " + e.Kind.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the per-kind sentinels below, so errors.Is(err, ErrDigest)
// holds for every digest failure regardless of its cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Per-kind sentinels for errors.Is.
var (
	ErrWrite       = &Error{Kind: KindWrite}
	ErrErase       = &Error{Kind: KindErase}
	ErrRead        = &Error{Kind: KindRead}
	ErrSpace       = &Error{Kind: KindSpace}
	ErrSize        = &Error{Kind: KindSize}
	ErrStream      = &Error{Kind: KindStream}
	ErrDigest      = &Error{Kind: KindDigest}
	ErrMagicByte   = &Error{Kind: KindMagicByte}
	ErrActivate    = &Error{Kind: KindActivate}
	ErrNoPartition = &Error{Kind: KindNoPartition}
	ErrBadArgument = &Error{Kind: KindBadArgument}
	ErrAbort       = &Error{Kind: KindAbort}
	ErrDecrypt     = &Error{Kind: KindDecrypt}
	ErrSign        = &Error{Kind: KindSign}
)

// Usage errors that do not change the transaction state.
var (
	// ErrNotRunning is returned when no update is in progress.
	ErrNotRunning = errors.New("update: no update in progress")

	// ErrAlreadyRunning is wrapped in a KindBadArgument error when Begin is
	// called during an update.
	ErrAlreadyRunning = errors.New("update: update already in progress")

	// ErrNoTable is returned by New without a partition table.
	ErrNoTable = errors.New("update: no partition table configured")
)

// KindOf returns the kind of err, or KindNone if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
