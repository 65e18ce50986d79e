package partition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/backkem/espota/pkg/flash"
	"github.com/pion/logging"
)

// Config configures a Table.
type Config struct {
	// Device holds the partitions. Required.
	Device flash.Device

	// Partitions is the layout. If nil, DefaultLayout is used.
	Partitions []Partition

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Table is a validated partition layout on a device.
//
// It tracks which app partition is running (the image the bootloader
// selected at the last reboot) and hands out the single writer claim.
type Table struct {
	dev     flash.Device
	parts   []*Partition
	ota     []*Partition // app OTA slots ordered by subtype
	otadata *Partition
	log     logging.LeveledLogger

	mu      sync.Mutex
	running *Partition
	claimed *Partition
}

// Open validates the layout and selects the running partition.
func Open(config Config) (*Table, error) {
	if config.Device == nil {
		return nil, fmt.Errorf("%w: no device", ErrInvalidLayout)
	}
	layout := config.Partitions
	if layout == nil {
		layout = DefaultLayout()
	}

	t := &Table{dev: config.Device}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("partition")
	}

	labels := make(map[string]bool)
	for i := range layout {
		p := layout[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.End() > config.Device.Size() {
			return nil, fmt.Errorf("%w: %s exceeds device size 0x%x", ErrInvalidLayout, p.Label, config.Device.Size())
		}
		if labels[p.Label] {
			return nil, fmt.Errorf("%w: duplicate label %q", ErrInvalidLayout, p.Label)
		}
		labels[p.Label] = true
		t.parts = append(t.parts, &p)
	}

	sort.Slice(t.parts, func(i, j int) bool { return t.parts[i].Offset < t.parts[j].Offset })
	for i := 1; i < len(t.parts); i++ {
		if t.parts[i].Offset < t.parts[i-1].End() {
			return nil, fmt.Errorf("%w: %s overlaps %s", ErrInvalidLayout, t.parts[i].Label, t.parts[i-1].Label)
		}
	}

	var apps int
	for _, p := range t.parts {
		switch {
		case p.Type == TypeApp:
			apps++
			if p.SubType.IsOTA() {
				t.ota = append(t.ota, p)
			}
		case p.Type == TypeData && p.SubType == SubTypeOTAData:
			if t.otadata != nil {
				return nil, fmt.Errorf("%w: more than one otadata partition", ErrInvalidLayout)
			}
			if p.Size < otadataSectors*flash.SectorSize {
				return nil, fmt.Errorf("%w: otadata smaller than %d sectors", ErrInvalidLayout, otadataSectors)
			}
			t.otadata = p
		}
	}
	if apps == 0 {
		return nil, fmt.Errorf("%w: no app partition", ErrInvalidLayout)
	}
	if len(t.ota) > 0 && t.otadata == nil {
		return nil, fmt.Errorf("%w: OTA slots without otadata", ErrInvalidLayout)
	}
	sort.Slice(t.ota, func(i, j int) bool { return t.ota[i].SubType < t.ota[j].SubType })

	boot, err := t.Boot()
	if err != nil {
		return nil, err
	}
	t.running = boot

	if t.log != nil {
		t.log.Infof("opened table with %d partitions, running %s", len(t.parts), t.running)
	}
	return t, nil
}

// Device returns the underlying flash device.
func (t *Table) Device() flash.Device {
	return t.dev
}

// Partitions returns the layout ordered by offset.
func (t *Table) Partitions() []*Partition {
	out := make([]*Partition, len(t.parts))
	copy(out, t.parts)
	return out
}

// Find returns every partition of type typ matching sub and label. Use
// SubTypeAny and "" as wildcards.
func (t *Table) Find(typ Type, sub SubType, label string) []*Partition {
	var out []*Partition
	for _, p := range t.parts {
		if p.matches(typ, sub, label) {
			out = append(out, p)
		}
	}
	return out
}

// FindFirst returns the first partition matching the lookup.
func (t *Table) FindFirst(typ Type, sub SubType, label string) (*Partition, error) {
	for _, p := range t.parts {
		if p.matches(typ, sub, label) {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// ByLabel returns the partition with the given label.
func (t *Table) ByLabel(label string) (*Partition, error) {
	for _, p := range t.parts {
		if p.Label == label {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// OTASlots returns the OTA app partitions ordered by slot index.
func (t *Table) OTASlots() []*Partition {
	out := make([]*Partition, len(t.ota))
	copy(out, t.ota)
	return out
}

// Running returns the app partition the device booted from.
func (t *Table) Running() *Partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// NextUpdate returns the OTA slot following the running partition, wrapping
// around. When the running partition is not an OTA slot, the first slot is
// returned. The running partition itself is never returned.
func (t *Table) NextUpdate() (*Partition, error) {
	running := t.Running()
	if len(t.ota) == 0 {
		return nil, ErrNotFound
	}

	start := 0
	for i, p := range t.ota {
		if p == running {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(t.ota); i++ {
		p := t.ota[(start+i)%len(t.ota)]
		if p != running {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// IsBootable reports whether p starts with the image magic byte.
func (t *Table) IsBootable(p *Partition) (bool, error) {
	var b [1]byte
	if err := t.Read(p, 0, b[:]); err != nil {
		return false, err
	}
	return b[0] == ImageMagic, nil
}

// Reboot simulates a device restart: the bootloader selects the boot
// partition if it holds a bootable image and keeps the running one
// otherwise.
func (t *Table) Reboot() (*Partition, error) {
	boot, err := t.Boot()
	if err != nil {
		return nil, err
	}
	ok, err := t.IsBootable(boot)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		if t.log != nil {
			t.log.Warnf("boot partition %s not bootable, staying on %s", boot, t.running)
		}
		return t.running, nil
	}
	t.running = boot
	if t.log != nil {
		t.log.Infof("rebooted into %s", boot)
	}
	return boot, nil
}

// Claim reserves p for a single writer. The returned function releases it.
func (t *Table) Claim(p *Partition) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.claimed != nil {
		return nil, ErrBusy
	}
	if p == t.running {
		return nil, ErrRunning
	}
	t.claimed = p

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.claimed = nil
			t.mu.Unlock()
		})
	}, nil
}

// Read reads from p at the partition-relative offset off.
func (t *Table) Read(p *Partition, off uint32, b []byte) error {
	if err := bounds(p, off, len(b)); err != nil {
		return err
	}
	return t.dev.Read(p.Offset+off, b)
}

// Write programs b into p at the partition-relative offset off.
func (t *Table) Write(p *Partition, off uint32, b []byte) error {
	if err := bounds(p, off, len(b)); err != nil {
		return err
	}
	return t.dev.Write(p.Offset+off, b)
}

// EraseRange erases every sector of p overlapping [off, off+n).
func (t *Table) EraseRange(p *Partition, off, n uint32) error {
	if n == 0 {
		return nil
	}
	if err := bounds(p, off, int(n)); err != nil {
		return err
	}
	first := flash.SectorOf(p.Offset + off)
	last := flash.SectorOf(p.Offset + off + n - 1)
	for s := first; s <= last; s++ {
		if err := t.dev.EraseSector(s); err != nil {
			return err
		}
	}
	return nil
}

func bounds(p *Partition, off uint32, n int) error {
	if p == nil {
		return ErrNotFound
	}
	if n < 0 || uint64(off)+uint64(n) > uint64(p.Size) {
		return ErrOutOfBounds
	}
	return nil
}
