// Package flash abstracts the NOR flash holding partitions.
//
// Flash follows NOR semantics: erasing a sector sets every byte to 0xFF and
// programming can only clear bits, so a write over non-erased data yields the
// bitwise AND of old and new contents. Writes must be WriteAlign aligned in
// both address and length.
package flash

const (
	// SectorSize is the erase granularity.
	SectorSize = 4096

	// WriteAlign is the program granularity.
	WriteAlign = 4

	// ErasedByte is the value of every byte after an erase.
	ErasedByte = 0xFF
)

// Device is a flash chip.
type Device interface {
	// Size returns the device capacity in bytes.
	Size() uint32

	// Read copies len(p) bytes starting at addr into p.
	Read(addr uint32, p []byte) error

	// Write programs p at addr.
	Write(addr uint32, p []byte) error

	// EraseSector erases the sector with the given index.
	EraseSector(sector uint32) error
}

// SectorOf returns the index of the sector holding addr.
func SectorOf(addr uint32) uint32 {
	return addr / SectorSize
}

// IsErased reports whether every byte of p equals ErasedByte.
func IsErased(p []byte) bool {
	for _, b := range p {
		if b != ErasedByte {
			return false
		}
	}
	return true
}

func checkRange(dev Device, addr uint32, n int) error {
	if n < 0 || uint64(addr)+uint64(n) > uint64(dev.Size()) {
		return ErrOutOfRange
	}
	return nil
}

func checkWrite(dev Device, addr uint32, n int) error {
	if addr%WriteAlign != 0 || n%WriteAlign != 0 {
		return ErrUnaligned
	}
	return checkRange(dev, addr, n)
}
