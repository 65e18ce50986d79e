// Package partition manages the partition table of a flash device: lookup,
// the running and boot app partitions, and the persisted boot pointer kept
// in the otadata partition.
package partition

import (
	"fmt"

	"github.com/backkem/espota/pkg/flash"
)

// ImageMagic is the first byte of every bootable firmware image.
const ImageMagic = 0xE9

// MaxLabelLen is the longest permitted partition label.
const MaxLabelLen = 16

// Partition describes one region of flash.
type Partition struct {
	Label     string
	Type      Type
	SubType   SubType
	Offset    uint32
	Size      uint32
	Encrypted bool
}

// End returns the first address past the partition.
func (p *Partition) End() uint32 {
	return p.Offset + p.Size
}

// String returns a short description for logs.
func (p *Partition) String() string {
	if p == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s(%s/%s@0x%x+0x%x)", p.Label, p.Type, p.SubType.Format(p.Type), p.Offset, p.Size)
}

// Validate checks alignment and naming.
func (p *Partition) Validate() error {
	if p.Label == "" || len(p.Label) > MaxLabelLen {
		return fmt.Errorf("%w: bad label %q", ErrInvalidLayout, p.Label)
	}
	if p.Size == 0 {
		return fmt.Errorf("%w: %s has zero size", ErrInvalidLayout, p.Label)
	}
	if p.Offset%flash.SectorSize != 0 || p.Size%flash.SectorSize != 0 {
		return fmt.Errorf("%w: %s not sector aligned", ErrInvalidLayout, p.Label)
	}
	if uint64(p.Offset)+uint64(p.Size) > 1<<32 {
		return fmt.Errorf("%w: %s overflows address space", ErrInvalidLayout, p.Label)
	}
	return nil
}

func (p *Partition) matches(t Type, s SubType, label string) bool {
	if p.Type != t {
		return false
	}
	if s != SubTypeAny && p.SubType != s {
		return false
	}
	return label == "" || p.Label == label
}
