package flash

import (
	"bytes"
	"fmt"
	"os"
	"sync"
)

// FileDevice is a flash device backed by an image file.
type FileDevice struct {
	mu     sync.Mutex
	f      *os.File
	size   uint32
	closed bool
}

// OpenFile opens or creates a flash image of the given size. A new or short
// file is extended with erased bytes; a longer file keeps its contents and
// size is taken from the file.
func OpenFile(path string, size uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	cur := st.Size()
	if cur >= int64(size) {
		if cur > int64(^uint32(0)) {
			f.Close()
			return nil, fmt.Errorf("flash: image %s too large", path)
		}
		return &FileDevice{f: f, size: uint32(cur)}, nil
	}

	fill := bytes.Repeat([]byte{ErasedByte}, SectorSize)
	for off := cur; off < int64(size); off += int64(len(fill)) {
		n := int64(len(fill))
		if rem := int64(size) - off; rem < n {
			n = rem
		}
		if _, err := f.WriteAt(fill[:n], off); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &FileDevice{f: f, size: size}, nil
}

// Size implements Device.
func (d *FileDevice) Size() uint32 {
	return d.size
}

// Read implements Device.
func (d *FileDevice) Read(addr uint32, p []byte) error {
	if err := checkRange(d, addr, len(p)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	_, err := d.f.ReadAt(p, int64(addr))
	return err
}

// Write implements Device.
func (d *FileDevice) Write(addr uint32, p []byte) error {
	if err := checkWrite(d, addr, len(p)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	cur := make([]byte, len(p))
	if _, err := d.f.ReadAt(cur, int64(addr)); err != nil {
		return err
	}
	for i := range cur {
		cur[i] &= p[i]
	}
	_, err := d.f.WriteAt(cur, int64(addr))
	return err
}

// EraseSector implements Device.
func (d *FileDevice) EraseSector(sector uint32) error {
	addr := sector * SectorSize
	if err := checkRange(d, addr, SectorSize); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	_, err := d.f.WriteAt(bytes.Repeat([]byte{ErasedByte}, SectorSize), int64(addr))
	return err
}

// Sync flushes the image to disk.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.f.Sync()
}

// Close closes the image file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return d.f.Close()
}
