package client

import (
	"errors"
	"fmt"
)

// Uploader errors.
var (
	// ErrNoRemote is returned when no device address is configured.
	ErrNoRemote = errors.New("client: no remote address configured")

	// ErrEmptyImage is returned for a zero length image.
	ErrEmptyImage = errors.New("client: empty image")

	// ErrImageTooLarge is returned when the image size cannot be announced.
	ErrImageTooLarge = errors.New("client: image too large")

	// ErrNoResponse is returned when every invitation went unanswered.
	ErrNoResponse = errors.New("client: no response from device")

	// ErrPasswordRequired is returned when the device challenges but no password is set.
	ErrPasswordRequired = errors.New("client: device requires a password")

	// ErrNoAuthAnswer is returned when the auth response is not answered.
	ErrNoAuthAnswer = errors.New("client: no answer to authentication")

	// ErrNoConnection is returned when the device never connects back.
	ErrNoConnection = errors.New("client: no connection from device")

	// ErrTransfer is returned when the bulk stream breaks.
	ErrTransfer = errors.New("client: transfer failed")
)

// RejectedError carries a failure text sent by the device.
type RejectedError struct {
	// Stage is "invitation", "authentication" or "transfer".
	Stage string
	// Text is the device reply.
	Text string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: %s rejected: %s", e.Stage, e.Text)
}
