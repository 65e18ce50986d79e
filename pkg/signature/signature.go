// Package signature verifies detached firmware signatures.
//
// A signed image carries its signature as a fixed-size trailer. The update
// writer hashes the payload that precedes the trailer with one of the SHA-2
// functions below and hands the digest to a Verifier.
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"math/big"
	"strings"
)

// Hash selects the SHA-2 function used for signing.
type Hash int

const (
	// SHA256 selects SHA-256.
	SHA256 Hash = iota
	// SHA384 selects SHA-384.
	SHA384
	// SHA512 selects SHA-512.
	SHA512
)

// String returns the name of the hash function.
func (h Hash) String() string {
	switch h {
	case SHA256:
		return "SHA256"
	case SHA384:
		return "SHA384"
	case SHA512:
		return "SHA512"
	default:
		return "Unknown"
	}
}

// IsValid returns true if h is a defined hash.
func (h Hash) IsValid() bool {
	return h >= SHA256 && h <= SHA512
}

// New returns a fresh hash.Hash for h.
func (h Hash) New() hash.Hash {
	switch h {
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// Size returns the digest length in bytes.
func (h Hash) Size() int {
	return h.crypto().Size()
}

func (h Hash) crypto() crypto.Hash {
	switch h {
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// ParseHash parses a hash name such as "sha256". Empty means SHA256.
func ParseHash(s string) (Hash, error) {
	switch strings.ToLower(s) {
	case "sha256", "":
		return SHA256, nil
	case "sha384":
		return SHA384, nil
	case "sha512":
		return SHA512, nil
	}
	return 0, ErrUnknownHash
}

// Verifier checks a signature over a precomputed digest.
type Verifier interface {
	// Verify returns nil if sig is a valid signature of digest.
	Verify(h Hash, digest, sig []byte) error

	// SignatureSize is the length of the signature trailer in bytes.
	SignatureSize() int
}

// RSAVerifier verifies RSASSA-PKCS1-v1_5 signatures.
type RSAVerifier struct {
	key *rsa.PublicKey
}

// NewRSAVerifier creates a verifier for the given public key.
func NewRSAVerifier(key *rsa.PublicKey) *RSAVerifier {
	return &RSAVerifier{key: key}
}

// Verify implements Verifier.
func (v *RSAVerifier) Verify(h Hash, digest, sig []byte) error {
	if len(sig) != v.SignatureSize() {
		return ErrSignatureSize
	}
	if err := rsa.VerifyPKCS1v15(v.key, h.crypto(), digest, sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// SignatureSize implements Verifier. It equals the modulus length.
func (v *RSAVerifier) SignatureSize() int {
	return v.key.Size()
}

// ECDSAVerifier verifies ECDSA signatures encoded as fixed-width r||s.
type ECDSAVerifier struct {
	key *ecdsa.PublicKey
}

// NewECDSAVerifier creates a verifier for the given public key.
func NewECDSAVerifier(key *ecdsa.PublicKey) *ECDSAVerifier {
	return &ECDSAVerifier{key: key}
}

// Verify implements Verifier.
func (v *ECDSAVerifier) Verify(_ Hash, digest, sig []byte) error {
	if len(sig) != v.SignatureSize() {
		return ErrSignatureSize
	}
	n := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:n])
	s := new(big.Int).SetBytes(sig[n:])
	if !ecdsa.Verify(v.key, digest, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// SignatureSize implements Verifier. It is twice the curve's byte size.
func (v *ECDSAVerifier) SignatureSize() int {
	return 2 * coordSize(v.key.Curve.Params().BitSize)
}

func coordSize(bits int) int {
	return (bits + 7) / 8
}
