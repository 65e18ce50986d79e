package ota

import "errors"

// Tokenizer errors.
var (
	// ErrEmpty is returned for a blank datagram.
	ErrEmpty = errors.New("ota: empty datagram")

	// ErrMalformed is returned when fields are missing or not numeric.
	ErrMalformed = errors.New("ota: malformed datagram")

	// ErrDigestLength is returned when the announced digest is not 32 hex characters.
	ErrDigestLength = errors.New("ota: digest is not 32 hex characters")

	// ErrUnknownProtocol is returned for headers that are neither legacy nor RedWax/1.x.
	ErrUnknownProtocol = errors.New("ota: unknown protocol")

	// ErrUnsupportedDigest is returned when a key/value header asks for a digest other than MD5.
	ErrUnsupportedDigest = errors.New("ota: unsupported digest")
)

// Server and driver errors.
var (
	// ErrNotArmed is returned when the driver runs on a session that is not RunningUpdate.
	ErrNotArmed = errors.New("ota: session not armed for transfer")

	// ErrNoUpdater is returned when no update.Updater is configured.
	ErrNoUpdater = errors.New("ota: no updater configured")

	// ErrNotApproved is returned when the reboot approval hook declines activation.
	ErrNotApproved = errors.New("ota: activation not approved")

	// ErrClosed is returned by a closed server.
	ErrClosed = errors.New("ota: server closed")
)

// Error is a session failure reported through Events.OnError.
type Error struct {
	Kind ErrorKind
	// Msg is the human readable description sent to the uploader.
	Msg string
	// Err is the cause, an *update.Error for storage and integrity failures.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "ota: " + e.Msg + ": " + e.Err.Error()
	}
	return "ota: " + e.Msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err and whether err is an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
