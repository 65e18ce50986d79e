package partition

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/backkem/espota/pkg/flash"
)

// The otadata partition holds two copies of the boot selection entry, one
// per sector. The entry with the highest valid sequence number wins and
// selects OTA slot (seq-1) mod len(slots). SetBoot always rewrites the copy
// that does not hold the winner, so a torn write leaves the previous
// selection intact.
const (
	otadataSectors  = 2
	otadataEntryLen = 32
	otadataLabelLen = 20

	// seqErased is the sequence value of an erased entry.
	seqErased = 0xFFFFFFFF
	// stateUndefined marks an entry written without image verification.
	stateUndefined = 0xFFFFFFFF
)

type otaEntry struct {
	Seq   uint32
	Label [otadataLabelLen]byte
	State uint32
	CRC   uint32
}

func (e *otaEntry) valid() bool {
	return e.Seq != seqErased && e.CRC == seqCRC(e.Seq)
}

func (e *otaEntry) marshal() []byte {
	b := make([]byte, otadataEntryLen)
	binary.LittleEndian.PutUint32(b[0:], e.Seq)
	copy(b[4:4+otadataLabelLen], e.Label[:])
	binary.LittleEndian.PutUint32(b[24:], e.State)
	binary.LittleEndian.PutUint32(b[28:], e.CRC)
	return b
}

func unmarshalEntry(b []byte) otaEntry {
	var e otaEntry
	e.Seq = binary.LittleEndian.Uint32(b[0:])
	copy(e.Label[:], b[4:4+otadataLabelLen])
	e.State = binary.LittleEndian.Uint32(b[24:])
	e.CRC = binary.LittleEndian.Uint32(b[28:])
	return e
}

func seqCRC(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.ChecksumIEEE(b[:])
}

// readEntries returns both otadata copies.
func (t *Table) readEntries() ([otadataSectors]otaEntry, error) {
	var out [otadataSectors]otaEntry
	buf := make([]byte, otadataEntryLen)
	for i := range out {
		if err := t.Read(t.otadata, uint32(i)*flash.SectorSize, buf); err != nil {
			return out, err
		}
		out[i] = unmarshalEntry(buf)
	}
	return out, nil
}

// activeEntry returns the index of the winning copy, or -1.
func activeEntry(entries [otadataSectors]otaEntry) int {
	best := -1
	for i := range entries {
		if !entries[i].valid() {
			continue
		}
		if best < 0 || entries[i].Seq > entries[best].Seq {
			best = i
		}
	}
	return best
}

// Boot returns the app partition the bootloader would select: the OTA slot
// named by otadata, else the factory app, else the first OTA slot.
func (t *Table) Boot() (*Partition, error) {
	if t.otadata != nil && len(t.ota) > 0 {
		entries, err := t.readEntries()
		if err != nil {
			return nil, err
		}
		if i := activeEntry(entries); i >= 0 {
			return t.ota[(entries[i].Seq-1)%uint32(len(t.ota))], nil
		}
	}
	if p, err := t.FindFirst(TypeApp, SubTypeFactory, ""); err == nil {
		return p, nil
	}
	if len(t.ota) > 0 {
		return t.ota[0], nil
	}
	return t.FindFirst(TypeApp, SubTypeAny, "")
}

// SetBoot persists p as the partition to boot next.
//
// Selecting the factory app erases otadata. Selecting an OTA slot writes a
// new entry with the smallest sequence number above the current one that
// maps to the slot.
func (t *Table) SetBoot(p *Partition) error {
	if p == nil || p.Type != TypeApp {
		return ErrNotApp
	}
	if t.otadata == nil {
		if p.SubType == SubTypeFactory {
			return nil
		}
		return ErrNoOTAData
	}

	if p.SubType == SubTypeFactory {
		if err := t.EraseRange(t.otadata, 0, otadataSectors*flash.SectorSize); err != nil {
			return fmt.Errorf("partition: erase otadata: %w", err)
		}
		if t.log != nil {
			t.log.Infof("boot partition set to %s", p)
		}
		return nil
	}

	slot := -1
	for i, s := range t.ota {
		if s == p {
			slot = i
			break
		}
	}
	if slot < 0 {
		return ErrNotFound
	}

	entries, err := t.readEntries()
	if err != nil {
		return err
	}
	active := activeEntry(entries)

	var seq uint32
	target := 0
	if active >= 0 {
		seq = entries[active].Seq
		target = (active + 1) % otadataSectors
	}
	n := uint32(len(t.ota))
	seq++
	for (seq-1)%n != uint32(slot) {
		seq++
	}

	e := otaEntry{Seq: seq, State: stateUndefined, CRC: seqCRC(seq)}
	copy(e.Label[:], p.Label)

	off := uint32(target) * flash.SectorSize
	if err := t.EraseRange(t.otadata, off, flash.SectorSize); err != nil {
		return fmt.Errorf("partition: erase otadata: %w", err)
	}
	if err := t.Write(t.otadata, off, e.marshal()); err != nil {
		return fmt.Errorf("partition: write otadata: %w", err)
	}

	if t.log != nil {
		t.log.Infof("boot partition set to %s (seq %d)", p, seq)
	}
	return nil
}
