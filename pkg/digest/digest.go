// Package digest provides the MD5 digest engine used by the OTA handshake,
// the challenge/response authentication and the update writer.
//
// The digest is the 128-bit MD5 value, exchanged on the wire as 32 lowercase
// hex characters. Comparisons accept either case.
package digest

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

const (
	// Size is the digest length in bytes.
	Size = md5.Size

	// HexSize is the digest length in hex characters.
	HexSize = 2 * Size
)

// Builder accumulates data into an MD5 digest.
//
// Usage:
//
//	var b digest.Builder
//	b.Begin()
//	b.Add(chunk1)
//	b.Add(chunk2)
//	b.Calculate()
//	sum := b.String()
//
// The zero value is ready after Begin. Add after Calculate starts a new
// computation only after another Begin.
type Builder struct {
	h   hash.Hash
	sum [Size]byte
}

// Begin resets the builder.
func (b *Builder) Begin() {
	if b.h == nil {
		b.h = md5.New()
	} else {
		b.h.Reset()
	}
	b.sum = [Size]byte{}
}

// Add folds p into the running digest.
func (b *Builder) Add(p []byte) {
	if b.h == nil {
		b.Begin()
	}
	b.h.Write(p)
}

// AddString folds s into the running digest.
func (b *Builder) AddString(s string) {
	b.Add([]byte(s))
}

// Write implements io.Writer. It never fails.
func (b *Builder) Write(p []byte) (int, error) {
	b.Add(p)
	return len(p), nil
}

// Calculate finalizes the digest. Bytes and String report the result.
func (b *Builder) Calculate() {
	if b.h == nil {
		b.Begin()
	}
	copy(b.sum[:], b.h.Sum(nil))
}

// Bytes returns the calculated digest.
func (b *Builder) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, b.sum[:])
	return out
}

// String returns the calculated digest as lowercase hex.
func (b *Builder) String() string {
	return hex.EncodeToString(b.sum[:])
}

// HexMD5 returns the lowercase hex MD5 of s.
func HexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsHexDigest reports whether s is exactly n hex characters.
func IsHexDigest(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// EqualHex compares two hex digests ignoring case, in constant time for
// equal-length inputs.
func EqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}
