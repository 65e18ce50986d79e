// Package flashcrypt implements the per-block tweaked cipher used for
// encrypted firmware images.
//
// Images are encrypted with AES-XTS in 16-byte blocks. The XTS sector number
// of each block is derived from its absolute flash address:
//
//	tweak = ((addr & AddressMask) >> 4) << 4 | (cfg & 0xF)
//
// so identical plaintext at different addresses encrypts differently, and a
// block can be decrypted independently of its neighbours.
package flashcrypt

import (
	"crypto/aes"
	"errors"
	"fmt"

	"golang.org/x/crypto/xts"
)

const (
	// BlockSize is the cipher block size and the decryption granularity.
	BlockSize = 16

	// AddressMask selects the address bits that enter the tweak.
	AddressMask = 0x00FFFFF0

	// KeySize128 selects AES-128-XTS (two 16-byte keys).
	KeySize128 = 32
	// KeySize256 selects AES-256-XTS (two 32-byte keys).
	KeySize256 = 64
)

// Flash cipher errors.
var (
	// ErrKeySize is returned for keys other than 32 or 64 bytes.
	ErrKeySize = errors.New("flashcrypt: key must be 32 or 64 bytes")

	// ErrUnaligned is returned when a buffer or address is not a multiple of BlockSize.
	ErrUnaligned = errors.New("flashcrypt: data not block aligned")

	// ErrUnknownMode is returned when parsing an unknown mode name.
	ErrUnknownMode = errors.New("flashcrypt: unknown mode")
)

// Mode selects when incoming images are decrypted.
type Mode int

const (
	// ModeNone never decrypts.
	ModeNone Mode = iota

	// ModeAuto decrypts app images whose first byte is not the image magic.
	// Filesystem images are never decrypted.
	ModeAuto

	// ModeOn decrypts every image.
	ModeOn
)

// String returns the config name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeAuto:
		return "auto"
	case ModeOn:
		return "on"
	default:
		return "unknown"
	}
}

// IsValid returns true if m is a defined mode.
func (m Mode) IsValid() bool {
	return m >= ModeNone && m <= ModeOn
}

// ParseMode parses "none", "auto" or "on".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none", "off":
		return ModeNone, nil
	case "auto":
		return ModeAuto, nil
	case "on":
		return ModeOn, nil
	}
	return ModeNone, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Config holds the decryption parameters of an update.
type Config struct {
	// Key is the XTS key, 32 or 64 bytes.
	Key []byte

	// Address is the absolute flash address the image was encrypted for.
	// Zero means the offset of the target partition.
	Address uint32

	// Tweak is the 4-bit configuration folded into every tweak.
	Tweak uint8

	// Mode selects when to decrypt.
	Mode Mode
}

// Cipher encrypts and decrypts flash blocks by address.
type Cipher struct {
	c     *xts.Cipher
	tweak uint8
}

// NewCipher creates a cipher from a 32 or 64 byte key and a config nibble.
func NewCipher(key []byte, tweak uint8) (*Cipher, error) {
	if len(key) != KeySize128 && len(key) != KeySize256 {
		return nil, ErrKeySize
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, err
	}
	return &Cipher{c: c, tweak: tweak & 0xF}, nil
}

// Tweak returns the XTS sector number for the block at addr.
func (c *Cipher) Tweak(addr uint32) uint64 {
	return uint64((addr&AddressMask)>>4)<<4 | uint64(c.tweak)
}

// Encrypt encrypts src, which starts at flash address addr, into dst.
// dst and src may be the same slice.
func (c *Cipher) Encrypt(addr uint32, dst, src []byte) error {
	return c.apply(addr, dst, src, c.c.Encrypt)
}

// Decrypt decrypts src, which starts at flash address addr, into dst.
// dst and src may be the same slice.
func (c *Cipher) Decrypt(addr uint32, dst, src []byte) error {
	return c.apply(addr, dst, src, c.c.Decrypt)
}

func (c *Cipher) apply(addr uint32, dst, src []byte, fn func(dst, src []byte, sector uint64)) error {
	if addr%BlockSize != 0 || len(src)%BlockSize != 0 || len(dst) < len(src) {
		return ErrUnaligned
	}
	for off := 0; off < len(src); off += BlockSize {
		fn(dst[off:off+BlockSize], src[off:off+BlockSize], c.Tweak(addr+uint32(off)))
	}
	return nil
}
