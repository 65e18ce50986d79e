package update

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"
	mrand "math/rand"
	"testing"

	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/flash"
	"github.com/backkem/espota/pkg/flashcrypt"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/signature"
)

func testLayout() []partition.Partition {
	return []partition.Partition{
		{Label: "otadata", Type: partition.TypeData, SubType: partition.SubTypeOTAData, Offset: 0x0000, Size: 0x2000},
		{Label: "factory", Type: partition.TypeApp, SubType: partition.SubTypeFactory, Offset: 0x2000, Size: 0x2000},
		{Label: "app0", Type: partition.TypeApp, SubType: partition.OTASubType(0), Offset: 0x4000, Size: 0x4000},
		{Label: "app1", Type: partition.TypeApp, SubType: partition.OTASubType(1), Offset: 0x8000, Size: 0x4000},
		{Label: "spiffs", Type: partition.TypeData, SubType: partition.SubTypeSPIFFS, Offset: 0xC000, Size: 0x4000},
	}
}

type fixture struct {
	dev   *flash.MemDevice
	table *partition.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := flash.NewMemDevice(0x10000)
	tbl, err := partition.Open(partition.Config{Device: dev, Partitions: testLayout()})
	if err != nil {
		t.Fatalf("partition.Open() error = %v", err)
	}
	return &fixture{dev: dev, table: tbl}
}

func (f *fixture) updater(t *testing.T, cfg Config) *Updater {
	t.Helper()
	cfg.Table = f.table
	u, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return u
}

func (f *fixture) part(t *testing.T, label string) *partition.Partition {
	t.Helper()
	p, err := f.table.ByLabel(label)
	if err != nil {
		t.Fatalf("ByLabel(%s) error = %v", label, err)
	}
	return p
}

func (f *fixture) contents(t *testing.T, label string, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if err := f.table.Read(f.part(t, label), 0, out); err != nil {
		t.Fatalf("Read(%s) error = %v", label, err)
	}
	return out
}

// testImage returns a pseudo-random app image. Bytes 1024..1087 are erased
// filler so the empty-block path is exercised.
func testImage(n int, seed int64) []byte {
	img := make([]byte, n)
	mrand.New(mrand.NewSource(seed)).Read(img)
	img[0] = partition.ImageMagic
	for i := 1024; i < 1088 && i < n; i++ {
		img[i] = 0xFF
	}
	return img
}

func writeChunks(t *testing.T, u *Updater, img []byte, sizes []int) {
	t.Helper()
	for off, i := 0, 0; off < len(img); i++ {
		n := sizes[i%len(sizes)]
		if off+n > len(img) {
			n = len(img) - off
		}
		got, err := u.Write(img[off : off+n])
		if err != nil {
			t.Fatalf("Write(%d bytes at %d) error = %v", n, off, err)
		}
		if got != n {
			t.Fatalf("Write() = %d, want %d", got, n)
		}
		off += n
	}
}

func TestUpdateCommit(t *testing.T) {
	f := newFixture(t)
	var calls int
	u := f.updater(t, Config{OnProgress: func(done, total uint32) { calls++ }})
	img := testImage(10000, 1)

	if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := u.Partition().Label; got != "app0" {
		t.Fatalf("target = %s, want app0", got)
	}
	if err := u.SetExpectedDigest(digest.HexMD5(string(img))); err != nil {
		t.Fatalf("SetExpectedDigest() error = %v", err)
	}
	writeChunks(t, u, img, []int{1460})

	if !u.IsFinished() {
		t.Fatal("IsFinished() = false after full image")
	}
	// Until activation the magic byte is withheld.
	if ok, _ := f.table.IsBootable(f.part(t, "app0")); ok {
		t.Error("partially committed image is bootable")
	}
	if err := u.End(false); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	if got := f.contents(t, "app0", len(img)); !bytes.Equal(got, img) {
		t.Error("flash contents differ from image")
	}
	if boot, _ := f.table.Boot(); boot.Label != "app0" {
		t.Errorf("Boot() = %s, want app0", boot.Label)
	}
	if u.Digest() != digest.HexMD5(string(img)) {
		t.Errorf("Digest() = %s", u.Digest())
	}
	if u.IsRunning() {
		t.Error("IsRunning() = true after End")
	}
	if calls != 3 {
		t.Errorf("OnProgress calls = %d, want 3", calls)
	}
}

func TestChunkBoundaryIndependence(t *testing.T) {
	img := testImage(9001, 2)
	want := digest.HexMD5(string(img))

	tests := []struct {
		name  string
		sizes []int
	}{
		{"single bytes", []int{1}},
		{"odd", []int{7}},
		{"segments", []int{1460}},
		{"sectors", []int{ChunkSize}},
		{"whole", []int{len(img)}},
		{"mixed", []int{500, 1, 4095, 3, 4097, 16}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			u := f.updater(t, Config{})
			if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			if err := u.SetExpectedDigest(want); err != nil {
				t.Fatalf("SetExpectedDigest() error = %v", err)
			}
			writeChunks(t, u, img, tc.sizes)
			if err := u.End(false); err != nil {
				t.Fatalf("End() error = %v", err)
			}
			if u.Digest() != want {
				t.Errorf("Digest() = %s, want %s", u.Digest(), want)
			}
			if got := f.contents(t, "app0", len(img)); !bytes.Equal(got, img) {
				t.Error("flash contents differ from image")
			}
		})
	}
}

func TestDigestGate(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	img := testImage(5000, 3)

	if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.SetExpectedDigest("00000000000000000000000000000000"); err != nil {
		t.Fatalf("SetExpectedDigest() error = %v", err)
	}
	writeChunks(t, u, img, []int{1000})

	err := u.End(false)
	if !errors.Is(err, ErrDigest) {
		t.Fatalf("End() error = %v, want %v", err, ErrDigest)
	}
	if u.ErrorKind() != KindDigest || u.ErrorString() != "MD5 Check Failed" {
		t.Errorf("ErrorKind() = %v (%s)", u.ErrorKind(), u.ErrorString())
	}
	if boot, _ := f.table.Boot(); boot.Label != "factory" {
		t.Errorf("Boot() = %s, want factory", boot.Label)
	}
	if ok, _ := f.table.IsBootable(f.part(t, "app0")); ok {
		t.Error("rejected image is bootable")
	}
}

func TestExpectedDigestCase(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	img := testImage(300, 4)

	if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	upper := bytes.ToUpper([]byte(digest.HexMD5(string(img))))
	if err := u.SetExpectedDigest(string(upper)); err != nil {
		t.Fatalf("SetExpectedDigest() error = %v", err)
	}
	if err := u.SetExpectedDigest("abc"); !errors.Is(err, ErrBadArgument) {
		t.Errorf("SetExpectedDigest(short) error = %v, want %v", err, ErrBadArgument)
	}
	writeChunks(t, u, img, []int{len(img)})
	if err := u.End(false); err != nil {
		t.Errorf("End() error = %v", err)
	}
}

func TestSizeBoundary(t *testing.T) {
	img := testImage(5000, 5)

	t.Run("exact", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		writeChunks(t, u, img, []int{999})
		if !u.IsFinished() {
			t.Error("IsFinished() = false")
		}
		if u.Remaining() != 0 {
			t.Errorf("Remaining() = %d", u.Remaining())
		}
	})

	t.Run("one short", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		writeChunks(t, u, img[:len(img)-1], []int{999})
		if u.IsFinished() {
			t.Error("IsFinished() = true one byte short")
		}
		if err := u.End(false); !errors.Is(err, ErrSize) {
			t.Errorf("End(false) error = %v, want %v", err, ErrSize)
		}
		if u.IsRunning() {
			t.Error("End(false) did not abort")
		}
		if boot, _ := f.table.Boot(); boot.Label != "factory" {
			t.Errorf("Boot() = %s, want factory", boot.Label)
		}
	})

	t.Run("one short accepted", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		short := img[:len(img)-1]
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if err := u.SetExpectedDigest(digest.HexMD5(string(short))); err != nil {
			t.Fatalf("SetExpectedDigest() error = %v", err)
		}
		writeChunks(t, u, short, []int{999})
		if err := u.End(true); err != nil {
			t.Fatalf("End(true) error = %v", err)
		}
		if got := f.contents(t, "app0", len(short)); !bytes.Equal(got, short) {
			t.Error("flash contents differ from image")
		}
		// The tail is zero padded to the write alignment.
		if pad := f.contents(t, "app0", 5008)[len(short):]; !bytes.Equal(pad, make([]byte, 9)) {
			t.Errorf("tail padding = % x", pad)
		}
		if boot, _ := f.table.Boot(); boot.Label != "app0" {
			t.Errorf("Boot() = %s, want app0", boot.Label)
		}
	})

	t.Run("overflow", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(100, CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		n, err := u.Write(img[:101])
		if n != 0 || !errors.Is(err, ErrSpace) {
			t.Errorf("Write(101) = %d, %v; want 0, %v", n, err, ErrSpace)
		}
		if u.IsRunning() {
			t.Error("overflow did not abort")
		}
	})
}

func TestUnknownSize(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	img := testImage(6000, 6)

	if err := u.Begin(SizeUnknown, CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if u.Size() != f.part(t, "app0").Size {
		t.Errorf("Size() = %d, want partition size", u.Size())
	}
	writeChunks(t, u, img, []int{1460})
	if u.IsFinished() {
		t.Error("IsFinished() = true for indefinite update")
	}
	if err := u.End(true); err != nil {
		t.Fatalf("End(true) error = %v", err)
	}
	if u.Digest() != digest.HexMD5(string(img)) {
		t.Errorf("Digest() = %s", u.Digest())
	}
}

func TestBeginErrors(t *testing.T) {
	tests := []struct {
		name  string
		size  uint32
		cmd   Command
		label string
		want  error
	}{
		{"zero size", 0, CommandFlash, "", ErrSize},
		{"too large", 0x4001, CommandFlash, "", ErrSpace},
		{"bad command", 100, Command(7), "", ErrBadArgument},
		{"unknown label", 100, CommandFlash, "nope", ErrNoPartition},
		{"running label", 100, CommandFlash, "factory", ErrNoPartition},
		{"data label for app", 100, CommandFlash, "spiffs", ErrNoPartition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			u := f.updater(t, Config{})
			if err := u.Begin(tc.size, tc.cmd, tc.label); !errors.Is(err, tc.want) {
				t.Errorf("Begin() error = %v, want %v", err, tc.want)
			}
			if u.IsRunning() {
				t.Error("IsRunning() = true after failed Begin")
			}
		})
	}
}

func TestSingleTransaction(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	other := f.updater(t, Config{})

	if err := u.Begin(100, CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.Begin(100, CommandFlash, ""); !errors.Is(err, ErrBadArgument) {
		t.Errorf("second Begin() error = %v, want %v", err, ErrBadArgument)
	}
	if !u.IsRunning() {
		t.Error("second Begin() stopped the running update")
	}
	if err := other.Begin(100, CommandFilesystem, ""); !errors.Is(err, ErrBadArgument) {
		t.Errorf("concurrent Begin() error = %v, want %v", err, ErrBadArgument)
	}

	u.Abort()
	if !errors.Is(u.Err(), ErrAbort) {
		t.Errorf("Err() after Abort = %v", u.Err())
	}
	if err := other.Begin(100, CommandFilesystem, ""); err != nil {
		t.Errorf("Begin() after Abort error = %v", err)
	}
}

func TestFilesystemUpdate(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	img := bytes.Repeat([]byte("littlefs"), 700)

	if err := u.Begin(uint32(len(img)), CommandFilesystem, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := u.Partition().Label; got != "spiffs" {
		t.Fatalf("target = %s, want spiffs", got)
	}
	writeChunks(t, u, img, []int{1460})
	if err := u.End(false); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := f.contents(t, "spiffs", len(img)); !bytes.Equal(got, img) {
		t.Error("filesystem contents differ")
	}
	if boot, _ := f.table.Boot(); boot.Label != "factory" {
		t.Errorf("filesystem update changed boot partition to %s", boot.Label)
	}
}

func TestMagicByte(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	img := testImage(5000, 7)
	img[0] = 0x00

	if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	n, err := u.Write(img)
	if n != 0 || !errors.Is(err, ErrMagicByte) {
		t.Fatalf("Write() = %d, %v; want 0, %v", n, err, ErrMagicByte)
	}
	if f.dev.Erases() != 0 {
		t.Error("flash erased before the magic check")
	}
}

func TestFlashFaults(t *testing.T) {
	errInjected := errors.New("injected")
	img := testImage(9000, 8)

	t.Run("write", func(t *testing.T) {
		f := newFixture(t)
		f.dev.FailWrite = func(addr uint32, n int) error {
			if addr >= 0x4000+ChunkSize {
				return errInjected
			}
			return nil
		}
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if _, err := u.Write(img[:ChunkSize]); err != nil {
			t.Fatalf("first chunk error = %v", err)
		}
		n, err := u.Write(img[ChunkSize:])
		if n != 0 || !errors.Is(err, ErrWrite) || !errors.Is(err, errInjected) {
			t.Errorf("Write() = %d, %v; want 0, %v", n, err, ErrWrite)
		}
		if _, err := u.Write(img[:1]); !errors.Is(err, ErrWrite) {
			t.Errorf("Write() after failure error = %v", err)
		}
	})

	t.Run("erase", func(t *testing.T) {
		f := newFixture(t)
		f.dev.FailErase = func(uint32) error { return errInjected }
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if _, err := u.Write(img); !errors.Is(err, ErrErase) {
			t.Errorf("Write() error = %v, want %v", err, ErrErase)
		}
	})

	t.Run("activate", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		writeChunks(t, u, img, []int{len(img)})
		f.dev.FailErase = func(uint32) error { return errInjected }
		if err := u.End(false); !errors.Is(err, ErrActivate) {
			t.Errorf("End() error = %v, want %v", err, ErrActivate)
		}
		if boot, _ := f.table.Boot(); boot.Label != "factory" {
			t.Errorf("Boot() = %s, want factory", boot.Label)
		}
	})
}

func encryptImage(t *testing.T, key []byte, addr uint32, plain []byte) []byte {
	t.Helper()
	c, err := flashcrypt.NewCipher(key, 0x5)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	enc := make([]byte, len(plain))
	if err := c.Encrypt(addr, enc, plain); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return enc
}

func TestDecryption(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, flashcrypt.KeySize128)
	plain := testImage(8224, 9)
	enc := encryptImage(t, key, 0x4000, plain)

	tests := []struct {
		name       string
		mode       flashcrypt.Mode
		post       bool
		image      []byte
		wantDigest []byte
	}{
		{"on, digest ciphertext", flashcrypt.ModeOn, false, enc, enc},
		{"on, digest plaintext", flashcrypt.ModeOn, true, enc, plain},
		{"auto, encrypted", flashcrypt.ModeAuto, false, enc, enc},
		{"auto, plain image passes through", flashcrypt.ModeAuto, false, plain, plain},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			u := f.updater(t, Config{
				Decrypt:              &flashcrypt.Config{Key: key, Tweak: 0x5, Mode: tc.mode},
				DigestPostDecryption: tc.post,
			})
			if err := u.Begin(uint32(len(tc.image)), CommandFlash, ""); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			if err := u.SetExpectedDigest(digest.HexMD5(string(tc.wantDigest))); err != nil {
				t.Fatalf("SetExpectedDigest() error = %v", err)
			}
			writeChunks(t, u, tc.image, []int{1460})
			if err := u.End(false); err != nil {
				t.Fatalf("End() error = %v", err)
			}
			if got := f.contents(t, "app0", len(plain)); !bytes.Equal(got, plain) {
				t.Error("flash does not hold the plaintext")
			}
		})
	}
}

func TestDecryptionExplicitAddress(t *testing.T) {
	key := bytes.Repeat([]byte{0x17}, flashcrypt.KeySize256)
	plain := testImage(4096, 10)
	// Encrypted for a different slot than the one it lands in.
	enc := encryptImage(t, key, 0x8000, plain)

	f := newFixture(t)
	u := f.updater(t, Config{
		Decrypt: &flashcrypt.Config{Key: key, Address: 0x8000, Tweak: 0x5, Mode: flashcrypt.ModeOn},
	})
	if err := u.Begin(uint32(len(enc)), CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writeChunks(t, u, enc, []int{4096})
	if err := u.End(false); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := f.contents(t, "app0", len(plain)); !bytes.Equal(got, plain) {
		t.Error("flash does not hold the plaintext")
	}
}

func TestDecryptionWrongKey(t *testing.T) {
	plain := testImage(4096, 11)
	enc := encryptImage(t, bytes.Repeat([]byte{0x01}, flashcrypt.KeySize128), 0x4000, plain)

	f := newFixture(t)
	u := f.updater(t, Config{
		Decrypt: &flashcrypt.Config{Key: bytes.Repeat([]byte{0x02}, flashcrypt.KeySize128), Tweak: 0x5, Mode: flashcrypt.ModeOn},
	})
	if err := u.Begin(uint32(len(enc)), CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := u.Write(enc); !errors.Is(err, ErrMagicByte) {
		t.Errorf("Write() error = %v, want %v", err, ErrMagicByte)
	}
}

func TestDecryptRetryIdempotent(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, flashcrypt.KeySize128)
	plain := testImage(8192, 12)
	enc := encryptImage(t, key, 0x4000, plain)

	f := newFixture(t)
	u := f.updater(t, Config{
		Decrypt: &flashcrypt.Config{Key: key, Tweak: 0x5, Mode: flashcrypt.ModeOn},
	})
	if err := u.Begin(uint32(len(enc)), CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := u.SetExpectedDigest(digest.HexMD5(string(enc))); err != nil {
		t.Fatalf("SetExpectedDigest() error = %v", err)
	}
	if _, err := u.Write(enc[:ChunkSize]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	before := f.dev.Bytes()
	writes := f.dev.Writes()

	// Replay the first chunk as a retried write at the same address.
	u.mu.Lock()
	err := u.writeChunk(0, enc[:ChunkSize])
	digested := u.digested
	u.mu.Unlock()
	if err != nil {
		t.Fatalf("writeChunk() retry error = %v", err)
	}
	if !bytes.Equal(before, f.dev.Bytes()) {
		t.Error("retry altered flash")
	}
	if f.dev.Writes() != writes {
		t.Errorf("retry issued %d writes", f.dev.Writes()-writes)
	}
	if digested != ChunkSize {
		t.Errorf("digested = %d after retry, want %d", digested, ChunkSize)
	}

	if _, err := u.Write(enc[ChunkSize:]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := u.End(false); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := f.contents(t, "app0", len(plain)); !bytes.Equal(got, plain) {
		t.Error("flash does not hold the plaintext after retry")
	}
}

func TestSignedImage(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer, err := signature.NewSigner(key)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	payload := testImage(5000, 13)
	img, err := signer.SignImage(signature.SHA256, payload)
	if err != nil {
		t.Fatalf("SignImage() error = %v", err)
	}

	newSigned := func(t *testing.T) (*fixture, *Updater) {
		f := newFixture(t)
		u := f.updater(t, Config{Verifier: signer.Verifier(), SignatureHash: signature.SHA256})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		return f, u
	}

	t.Run("valid", func(t *testing.T) {
		f, u := newSigned(t)
		if err := u.SetExpectedDigest(digest.HexMD5(string(img))); err != nil {
			t.Fatalf("SetExpectedDigest() error = %v", err)
		}
		writeChunks(t, u, img, []int{1460})
		if err := u.End(false); err != nil {
			t.Fatalf("End() error = %v", err)
		}
		got := f.contents(t, "app0", 5008+64)
		if !bytes.Equal(got[:len(payload)], payload) {
			t.Error("payload differs")
		}
		if !flash.IsErased(got[5008:]) {
			t.Error("signature trailer was written to flash")
		}
	})

	t.Run("tampered", func(t *testing.T) {
		f, u := newSigned(t)
		bad := bytes.Clone(img)
		bad[100] ^= 0x01
		writeChunks(t, u, bad, []int{1460})
		if err := u.End(false); !errors.Is(err, ErrSign) {
			t.Fatalf("End() error = %v, want %v", err, ErrSign)
		}
		if boot, _ := f.table.Boot(); boot.Label != "factory" {
			t.Errorf("Boot() = %s, want factory", boot.Label)
		}
	})

	t.Run("unknown size", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{Verifier: signer.Verifier(), SignatureHash: signature.SHA256})
		if err := u.Begin(SizeUnknown, CommandFlash, ""); !errors.Is(err, ErrBadArgument) {
			t.Errorf("Begin(unknown) error = %v, want %v", err, ErrBadArgument)
		}
	})
}

func TestRollBack(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})

	install := func(seed int64) {
		t.Helper()
		img := testImage(3000, seed)
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		writeChunks(t, u, img, []int{len(img)})
		if err := u.End(false); err != nil {
			t.Fatalf("End() error = %v", err)
		}
		if _, err := f.table.Reboot(); err != nil {
			t.Fatalf("Reboot() error = %v", err)
		}
	}

	install(20)
	if got := f.table.Running().Label; got != "app0" {
		t.Fatalf("Running() = %s, want app0", got)
	}
	if u.CanRollBack() {
		t.Error("CanRollBack() = true with an empty alternate slot")
	}
	if err := u.RollBack(); !errors.Is(err, ErrActivate) {
		t.Errorf("RollBack() error = %v, want %v", err, ErrActivate)
	}

	install(21)
	if got := f.table.Running().Label; got != "app1" {
		t.Fatalf("Running() = %s, want app1", got)
	}
	if !u.CanRollBack() {
		t.Fatal("CanRollBack() = false")
	}

	if err := u.Begin(10, CommandFlash, ""); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if u.CanRollBack() {
		t.Error("CanRollBack() = true during an update")
	}
	if err := u.RollBack(); !errors.Is(err, ErrBadArgument) {
		t.Errorf("RollBack() during update error = %v, want %v", err, ErrBadArgument)
	}
	writeChunks(t, u, testImage(10, 22), []int{10})
	u.Abort()

	// The aborted update overwrote app0 with its magic byte withheld.
	if u.CanRollBack() {
		t.Error("CanRollBack() = true after app0 was overwritten")
	}
}

func TestRollBackToPrevious(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	for i, seed := range []int64{30, 31} {
		img := testImage(3000, seed)
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("update %d: Begin() error = %v", i, err)
		}
		writeChunks(t, u, img, []int{len(img)})
		if err := u.End(false); err != nil {
			t.Fatalf("update %d: End() error = %v", i, err)
		}
		if _, err := f.table.Reboot(); err != nil {
			t.Fatalf("Reboot() error = %v", err)
		}
	}

	if err := u.RollBack(); err != nil {
		t.Fatalf("RollBack() error = %v", err)
	}
	if boot, _ := f.table.Boot(); boot.Label != "app0" {
		t.Errorf("Boot() after RollBack = %s, want app0", boot.Label)
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestWriteFrom(t *testing.T) {
	img := testImage(7000, 14)

	t.Run("complete", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		n, err := u.WriteFrom(bytes.NewReader(img))
		if err != nil || n != int64(len(img)) {
			t.Fatalf("WriteFrom() = %d, %v", n, err)
		}
		if err := u.End(false); err != nil {
			t.Fatalf("End() error = %v", err)
		}
	})

	t.Run("early EOF", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		n, err := u.WriteFrom(bytes.NewReader(img[:5000]))
		if err != nil || n != 5000 {
			t.Fatalf("WriteFrom() = %d, %v", n, err)
		}
		if u.IsFinished() {
			t.Error("IsFinished() = true after short stream")
		}
	})

	t.Run("read error", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		r := &failingReader{data: img[:3000], err: io.ErrClosedPipe}
		if _, err := u.WriteFrom(r); !errors.Is(err, ErrStream) {
			t.Errorf("WriteFrom() error = %v, want %v", err, ErrStream)
		}
		if u.IsRunning() {
			t.Error("stream failure did not abort")
		}
	})

	t.Run("stalled", func(t *testing.T) {
		f := newFixture(t)
		u := f.updater(t, Config{})
		if err := u.Begin(uint32(len(img)), CommandFlash, ""); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		r := &failingReader{data: img[:100]}
		if _, err := u.WriteFrom(r); !errors.Is(err, ErrStream) {
			t.Errorf("WriteFrom() error = %v, want %v", err, ErrStream)
		}
	})
}

func TestEndWithoutBegin(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, Config{})
	if err := u.End(false); !errors.Is(err, ErrNotRunning) {
		t.Errorf("End() error = %v, want %v", err, ErrNotRunning)
	}
	if _, err := u.Write([]byte{1}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Write() error = %v, want %v", err, ErrNotRunning)
	}
	if err := u.SetExpectedDigest("zz"); err != nil {
		t.Errorf("SetExpectedDigest() without update error = %v", err)
	}
}
