package flash

import "sync"

// MemDevice is an in-memory flash device.
//
// The Fail hooks, when set, are consulted before each operation and let
// tests inject storage faults.
type MemDevice struct {
	mu   sync.Mutex
	data []byte

	// FailRead, FailWrite and FailErase return a non-nil error to make the
	// corresponding operation fail without touching the contents.
	FailRead  func(addr uint32, n int) error
	FailWrite func(addr uint32, n int) error
	FailErase func(sector uint32) error

	// OnWrite is called after each successful write.
	OnWrite func(addr uint32, p []byte)

	writes int
	erases int
}

// NewMemDevice creates an erased device of the given size.
func NewMemDevice(size uint32) *MemDevice {
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &MemDevice{data: data}
}

// Size implements Device.
func (m *MemDevice) Size() uint32 {
	return uint32(len(m.data))
}

// Read implements Device.
func (m *MemDevice) Read(addr uint32, p []byte) error {
	if err := checkRange(m, addr, len(p)); err != nil {
		return err
	}
	if m.FailRead != nil {
		if err := m.FailRead(addr, len(p)); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copy(p, m.data[addr:])
	return nil
}

// Write implements Device.
func (m *MemDevice) Write(addr uint32, p []byte) error {
	if err := checkWrite(m, addr, len(p)); err != nil {
		return err
	}
	if m.FailWrite != nil {
		if err := m.FailWrite(addr, len(p)); err != nil {
			return err
		}
	}

	m.mu.Lock()
	for i, b := range p {
		m.data[int(addr)+i] &= b
	}
	m.writes++
	m.mu.Unlock()

	if m.OnWrite != nil {
		m.OnWrite(addr, p)
	}
	return nil
}

// EraseSector implements Device.
func (m *MemDevice) EraseSector(sector uint32) error {
	addr := sector * SectorSize
	if err := checkRange(m, addr, SectorSize); err != nil {
		return err
	}
	if m.FailErase != nil {
		if err := m.FailErase(sector); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := addr; i < addr+SectorSize; i++ {
		m.data[i] = ErasedByte
	}
	m.erases++
	return nil
}

// Bytes returns a copy of the device contents.
func (m *MemDevice) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Writes returns the number of successful writes.
func (m *MemDevice) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Erases returns the number of successful sector erases.
func (m *MemDevice) Erases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}
