// Package update writes firmware and filesystem images into flash
// partitions.
//
// An Updater runs one transaction at a time: Begin selects the target
// partition, Write streams the image through a sector sized buffer into
// flash, and End verifies the digest and optional signature before pointing
// the bootloader at the new image. A partially written app image is never
// bootable: its magic byte is withheld until activation.
package update

import (
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/flash"
	"github.com/backkem/espota/pkg/flashcrypt"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/signature"
	"github.com/pion/logging"
)

// Command selects what an update writes.
type Command int

const (
	// CommandFlash writes an app image to the next OTA slot.
	CommandFlash Command = 0

	// CommandFilesystem writes a filesystem image to a data partition.
	CommandFilesystem Command = 100
)

// String returns a human-readable name for the command.
func (c Command) String() string {
	switch c {
	case CommandFlash:
		return "flash"
	case CommandFilesystem:
		return "filesystem"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// IsValid returns true if c is a defined command.
func (c Command) IsValid() bool {
	return c == CommandFlash || c == CommandFilesystem
}

const (
	// SizeUnknown begins an update whose size is not known up front. The
	// whole partition is available and End(true) finishes it.
	SizeUnknown = 0xFFFFFFFF

	// ChunkSize is the write buffer size; one flash sector.
	ChunkSize = flash.SectorSize

	// writeAlign is the padded length of every flash write.
	writeAlign = flashcrypt.BlockSize
)

// Config configures an Updater.
type Config struct {
	// Table holds the target partitions. Required.
	Table *partition.Table

	// Decrypt enables per-block decryption of incoming images.
	Decrypt *flashcrypt.Config

	// DigestPostDecryption folds decrypted bytes into the MD5 digest. By
	// default the digest covers the bytes as received.
	DigestPostDecryption bool

	// Verifier, if set, requires a signature trailer on every image.
	Verifier signature.Verifier

	// SignatureHash is the hash the trailer signs.
	SignatureHash signature.Hash

	// OnProgress is called after each chunk reaches flash. It runs with the
	// updater locked and must not call back into it.
	OnProgress func(done, total uint32)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Updater is the update writer engine. It is safe for concurrent use.
type Updater struct {
	table  *partition.Table
	config Config
	log    logging.LeveledLogger

	mu      sync.Mutex
	running bool
	err     error

	part     *partition.Partition
	release  func()
	cmd      Command
	size     uint32 // bytes accepted, payload plus signature
	payload  uint32 // bytes destined for flash
	progress uint32 // bytes accepted so far
	flashed  uint32 // payload bytes handed to writeChunk

	buf   []byte
	plain []byte

	// Retry window: sectors below erasedTo were erased by this
	// transaction, blocks below highWater were programmed by it and bytes
	// below digested are folded into the digests.
	erasedTo  uint32
	highWater uint32
	digested  uint32

	expected string
	md5      digest.Builder
	sigHash  hash.Hash
	sig      []byte

	cipher     *flashcrypt.Cipher
	cryptAddr  uint32
	decided    bool
	decrypting bool
	magicSeen  bool
	magic      byte

	lastDigest string
}

// New creates an Updater.
func New(config Config) (*Updater, error) {
	if config.Table == nil {
		return nil, ErrNoTable
	}
	if config.Decrypt != nil && !config.Decrypt.Mode.IsValid() {
		return nil, &Error{Kind: KindBadArgument, Err: flashcrypt.ErrUnknownMode}
	}
	if config.Verifier != nil && !config.SignatureHash.IsValid() {
		return nil, &Error{Kind: KindBadArgument, Err: signature.ErrUnknownHash}
	}

	u := &Updater{
		table:  config.Table,
		config: config,
	}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("update")
	}
	return u, nil
}

// Begin starts a transaction of size bytes for cmd. A non-empty label
// selects the target partition explicitly.
func (u *Updater) Begin(size uint32, cmd Command, label string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return &Error{Kind: KindBadArgument, Err: ErrAlreadyRunning}
	}
	u.err = nil

	if size == 0 {
		return u.fail(KindSize, errors.New("empty image"))
	}

	p, err := u.selectPartition(cmd, label)
	if err != nil {
		return err
	}

	indefinite := size == SizeUnknown
	if indefinite {
		size = p.Size
	} else if size > p.Size {
		return u.fail(KindSpace, fmt.Errorf("%d bytes do not fit %s", size, p))
	}

	payload := size
	if v := u.config.Verifier; v != nil {
		if indefinite {
			return u.fail(KindBadArgument, errors.New("signed images need a known size"))
		}
		if size <= uint32(v.SignatureSize()) {
			return u.fail(KindSize, fmt.Errorf("%d bytes cannot hold a %d byte signature", size, v.SignatureSize()))
		}
		payload = size - uint32(v.SignatureSize())
	}

	var cipher *flashcrypt.Cipher
	cryptAddr := p.Offset
	if dc := u.config.Decrypt; dc != nil && dc.Mode != flashcrypt.ModeNone {
		cipher, err = flashcrypt.NewCipher(dc.Key, dc.Tweak)
		if err != nil {
			return u.fail(KindDecrypt, err)
		}
		if dc.Address != 0 {
			cryptAddr = dc.Address
		}
	}

	release, err := u.table.Claim(p)
	if err != nil {
		if errors.Is(err, partition.ErrRunning) {
			return u.fail(KindNoPartition, err)
		}
		return u.fail(KindBadArgument, err)
	}

	u.running = true
	u.part = p
	u.release = release
	u.cmd = cmd
	u.size = size
	u.payload = payload
	u.progress = 0
	u.flashed = 0
	u.buf = make([]byte, 0, ChunkSize)
	u.plain = make([]byte, ChunkSize)
	u.erasedTo = 0
	u.highWater = 0
	u.digested = 0
	u.expected = ""
	u.sig = nil
	u.sigHash = nil
	u.cipher = cipher
	u.cryptAddr = cryptAddr
	u.decided = false
	u.decrypting = false
	u.magicSeen = false
	u.magic = 0
	u.md5.Begin()
	if u.config.Verifier != nil {
		u.sigHash = u.config.SignatureHash.New()
	}

	if u.log != nil {
		if indefinite {
			u.log.Infof("begin %s update of unknown size into %s", cmd, p)
		} else {
			u.log.Infof("begin %s update of %d bytes into %s", cmd, size, p)
		}
	}
	return nil
}

func (u *Updater) selectPartition(cmd Command, label string) (*partition.Partition, error) {
	switch cmd {
	case CommandFlash:
		if label == "" {
			p, err := u.table.NextUpdate()
			if err != nil {
				return nil, u.fail(KindNoPartition, err)
			}
			return p, nil
		}
		p, err := u.table.FindFirst(partition.TypeApp, partition.SubTypeAny, label)
		if err != nil {
			return nil, u.fail(KindNoPartition, err)
		}
		if p == u.table.Running() {
			return nil, u.fail(KindNoPartition, partition.ErrRunning)
		}
		return p, nil

	case CommandFilesystem:
		for _, p := range u.table.Find(partition.TypeData, partition.SubTypeAny, label) {
			if label != "" || p.SubType.IsFilesystem() {
				return p, nil
			}
		}
		return nil, u.fail(KindNoPartition, partition.ErrNotFound)

	default:
		return nil, u.fail(KindBadArgument, fmt.Errorf("unknown command %d", int(cmd)))
	}
}

// SetExpectedDigest records the MD5 the image must match at End. It has no
// effect when no update is running.
func (u *Updater) SetExpectedDigest(hex string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return nil
	}
	if !digest.IsHexDigest(hex, digest.HexSize) {
		return &Error{Kind: KindBadArgument, Err: fmt.Errorf("digest %q is not %d hex characters", hex, digest.HexSize)}
	}
	u.expected = hex
	return nil
}

// Write appends p to the image and returns the number of bytes consumed.
// Flash failures abort the transaction and return 0.
func (u *Updater) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		if u.err != nil {
			return 0, u.err
		}
		return 0, ErrNotRunning
	}
	if uint64(len(p)) > uint64(u.size-u.progress) {
		return 0, u.fail(KindSpace, fmt.Errorf("%d bytes exceed the %d remaining", len(p), u.size-u.progress))
	}

	n := 0
	for len(p) > 0 {
		if u.progress >= u.payload {
			// Signature trailer: digested, never written.
			u.sig = append(u.sig, p...)
			u.md5.Add(p)
			u.progress += uint32(len(p))
			n += len(p)
			break
		}

		take := len(p)
		if room := ChunkSize - len(u.buf); take > room {
			take = room
		}
		if left := int(u.payload - u.progress); take > left {
			take = left
		}
		u.buf = append(u.buf, p[:take]...)
		u.progress += uint32(take)
		p = p[take:]
		n += take

		if len(u.buf) == ChunkSize || u.progress == u.payload {
			if err := u.flush(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

// flush writes the buffered chunk.
func (u *Updater) flush() error {
	if len(u.buf) == 0 {
		return nil
	}
	if err := u.writeChunk(u.flashed, u.buf); err != nil {
		return err
	}
	u.flashed += uint32(len(u.buf))
	u.buf = u.buf[:0]

	if u.config.OnProgress != nil {
		u.config.OnProgress(u.progress, u.size)
	}
	return nil
}

// writeChunk decrypts, programs and digests raw, which starts at
// partition offset off. Calling it again for a range it already completed
// leaves flash and digests unchanged: blocks inside the retry window that
// already hold data are read back instead of being decrypted again.
func (u *Updater) writeChunk(off uint32, raw []byte) error {
	n := alignUp(len(raw), writeAlign)
	plain := u.plain[:n]

	if off == 0 && !u.decided {
		u.decided = true
		if u.cipher != nil {
			switch u.config.Decrypt.Mode {
			case flashcrypt.ModeOn:
				u.decrypting = true
			case flashcrypt.ModeAuto:
				u.decrypting = u.cmd == CommandFlash && raw[0] != partition.ImageMagic
			}
		}
		if u.decrypting && u.log != nil {
			u.log.Debugf("decrypting image for address 0x%x", u.cryptAddr)
		}
	}
	if u.decrypting && len(raw)%flashcrypt.BlockSize != 0 {
		return u.fail(KindDecrypt, fmt.Errorf("encrypted chunk of %d bytes is not block aligned", len(raw)))
	}

	var src [writeAlign]byte
	write := make([]bool, n/writeAlign)
	for b := 0; b < n; b += writeAlign {
		addr := off + uint32(b)
		blk := plain[b : b+writeAlign]

		if addr < u.highWater {
			if err := u.table.Read(u.part, addr, blk); err != nil {
				return u.fail(KindRead, err)
			}
			if !isFiller(blk) {
				continue
			}
		}

		clear(src[:])
		copy(src[:], raw[b:min(b+writeAlign, len(raw))])
		if u.decrypting {
			if err := u.cipher.Decrypt(u.cryptAddr+addr, blk, src[:]); err != nil {
				return u.fail(KindDecrypt, err)
			}
		} else {
			copy(blk, src[:])
		}
		write[b/writeAlign] = !flash.IsErased(blk)
	}

	if off == 0 && u.cmd == CommandFlash {
		if !u.magicSeen {
			if plain[0] != partition.ImageMagic {
				return u.fail(KindMagicByte, fmt.Errorf("first byte 0x%02x", plain[0]))
			}
			u.magicSeen = true
			u.magic = plain[0]
		}
		// Program the first block without its magic byte; End restores it.
		plain[0] = flash.ErasedByte
	}

	if err := u.eraseTo(off + uint32(n)); err != nil {
		return u.fail(KindErase, err)
	}

	for b := 0; b < n; {
		if !write[b/writeAlign] {
			b += writeAlign
			continue
		}
		e := b
		for e < n && write[e/writeAlign] {
			e += writeAlign
		}
		if err := u.table.Write(u.part, off+uint32(b), plain[b:e]); err != nil {
			return u.fail(KindWrite, err)
		}
		b = e
	}
	if end := off + uint32(n); end > u.highWater {
		u.highWater = end
	}
	if off == 0 && u.cmd == CommandFlash {
		plain[0] = u.magic
	}

	if end := off + uint32(len(raw)); end > u.digested {
		from := int(u.digested - off)
		if u.config.DigestPostDecryption {
			u.md5.Add(plain[from:len(raw)])
		} else {
			u.md5.Add(raw[from:])
		}
		if u.sigHash != nil {
			u.sigHash.Write(plain[from:len(raw)])
		}
		u.digested = end
	}
	return nil
}

// eraseTo erases every sector of the target below end not yet erased by
// this transaction.
func (u *Updater) eraseTo(end uint32) error {
	for u.erasedTo < end {
		if err := u.table.EraseRange(u.part, u.erasedTo, flash.SectorSize); err != nil {
			return err
		}
		u.erasedTo += flash.SectorSize
	}
	return nil
}

// End finishes the transaction. Unless evenIfRemaining is set, every
// declared byte must have been written. On success the new app image
// becomes the boot target.
func (u *Updater) End(evenIfRemaining bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		if u.err != nil {
			return u.err
		}
		return ErrNotRunning
	}

	if u.progress != u.size {
		if !evenIfRemaining {
			return u.fail(KindSize, fmt.Errorf("premature end after %d of %d bytes", u.progress, u.size))
		}
		if u.config.Verifier != nil {
			return u.fail(KindSign, errors.New("signature trailer not received"))
		}
		if err := u.flush(); err != nil {
			return err
		}
		if u.progress == 0 {
			return u.fail(KindSize, errors.New("no data written"))
		}
		u.size = u.progress
		u.payload = u.progress
	}

	u.md5.Calculate()
	sum := u.md5.String()
	if u.expected != "" && !digest.EqualHex(u.expected, sum) {
		return u.fail(KindDigest, fmt.Errorf("expected %s, got %s", u.expected, sum))
	}

	if v := u.config.Verifier; v != nil {
		if err := v.Verify(u.config.SignatureHash, u.sigHash.Sum(nil), u.sig); err != nil {
			return u.fail(KindSign, err)
		}
	}

	if u.cmd == CommandFlash {
		if err := u.enable(); err != nil {
			return u.fail(KindRead, err)
		}
		if err := u.table.SetBoot(u.part); err != nil {
			return u.fail(KindActivate, err)
		}
	}

	if u.log != nil {
		u.log.Infof("update of %d bytes into %s complete, md5 %s", u.size, u.part, sum)
	}
	u.lastDigest = sum
	u.reset()
	return nil
}

// enable restores the withheld magic byte and checks the image boots.
func (u *Updater) enable() error {
	var word [flash.WriteAlign]byte
	if err := u.table.Read(u.part, 0, word[:]); err != nil {
		return err
	}
	word[0] = partition.ImageMagic
	if err := u.table.Write(u.part, 0, word[:]); err != nil {
		return err
	}
	ok, err := u.table.IsBootable(u.part)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("image not bootable after enabling")
	}
	return nil
}

// Abort releases the transaction without activating anything.
func (u *Updater) Abort() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return
	}
	u.fail(KindAbort, nil)
}

// fail aborts the transaction and records the error.
func (u *Updater) fail(kind ErrorKind, cause error) error {
	e := &Error{Kind: kind, Err: cause}
	if u.log != nil {
		if u.running {
			u.log.Warnf("aborting update of %s at %d/%d: %v", u.part, u.progress, u.size, e)
		} else {
			u.log.Warnf("%v", e)
		}
	}
	u.reset()
	u.err = e
	return e
}

func (u *Updater) reset() {
	if u.release != nil {
		u.release()
	}
	u.running = false
	u.release = nil
	u.part = nil
	u.buf = nil
	u.plain = nil
	u.sig = nil
	u.sigHash = nil
	u.cipher = nil
	u.err = nil
}

// IsRunning reports whether a transaction is active.
func (u *Updater) IsRunning() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// IsFinished reports whether every declared byte has been written.
func (u *Updater) IsFinished() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running && u.progress == u.size
}

// Size returns the declared size, or the partition size for updates of
// unknown size.
func (u *Updater) Size() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size
}

// Progress returns the number of bytes written.
func (u *Updater) Progress() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.progress
}

// Remaining returns the number of bytes still expected.
func (u *Updater) Remaining() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size - u.progress
}

// Partition returns the target of the running transaction.
func (u *Updater) Partition() *partition.Partition {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.part
}

// Err returns the error that ended the last transaction, if any.
func (u *Updater) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// ErrorKind returns the kind of Err.
func (u *Updater) ErrorKind() ErrorKind {
	return KindOf(u.Err())
}

// ErrorString returns the description of the last error kind.
func (u *Updater) ErrorString() string {
	return u.ErrorKind().String()
}

// Digest returns the MD5 of the last committed image.
func (u *Updater) Digest() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastDigest
}

// CanRollBack reports whether the alternate OTA slot holds a bootable
// image. It is false while a transaction is running.
func (u *Updater) CanRollBack() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return false
	}
	p, err := u.table.NextUpdate()
	if err != nil {
		return false
	}
	ok, err := u.table.IsBootable(p)
	return err == nil && ok
}

// RollBack points the bootloader at the alternate OTA slot.
func (u *Updater) RollBack() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return &Error{Kind: KindBadArgument, Err: ErrAlreadyRunning}
	}
	p, err := u.table.NextUpdate()
	if err != nil {
		return &Error{Kind: KindNoPartition, Err: err}
	}
	ok, err := u.table.IsBootable(p)
	if err != nil {
		return &Error{Kind: KindRead, Err: err}
	}
	if !ok {
		return &Error{Kind: KindActivate, Err: fmt.Errorf("%s holds no bootable image", p)}
	}
	if err := u.table.SetBoot(p); err != nil {
		return &Error{Kind: KindActivate, Err: err}
	}
	if u.log != nil {
		u.log.Infof("rolled back boot partition to %s", p)
	}
	return nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// isFiller reports whether every byte of b is the same value.
func isFiller(b []byte) bool {
	for _, c := range b[1:] {
		if c != b[0] {
			return false
		}
	}
	return true
}
