package signature

import "errors"

// Signature errors.
var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("signature: verification failed")

	// ErrSignatureSize is returned when a signature has the wrong length.
	ErrSignatureSize = errors.New("signature: wrong signature length")

	// ErrUnknownHash is returned for an unsupported hash name.
	ErrUnknownHash = errors.New("signature: unknown hash")

	// ErrNoPEM is returned when the input holds no PEM block.
	ErrNoPEM = errors.New("signature: no PEM block found")

	// ErrUnsupportedKey is returned for key types other than RSA and ECDSA.
	ErrUnsupportedKey = errors.New("signature: unsupported key type")
)
