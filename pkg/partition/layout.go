package partition

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLayout returns the stock 4 MiB layout with two OTA slots.
func DefaultLayout() []Partition {
	return []Partition{
		{Label: "nvs", Type: TypeData, SubType: SubTypeNVS, Offset: 0x9000, Size: 0x5000},
		{Label: "otadata", Type: TypeData, SubType: SubTypeOTAData, Offset: 0xE000, Size: 0x2000},
		{Label: "app0", Type: TypeApp, SubType: OTASubType(0), Offset: 0x10000, Size: 0x140000},
		{Label: "app1", Type: TypeApp, SubType: OTASubType(1), Offset: 0x150000, Size: 0x140000},
		{Label: "spiffs", Type: TypeData, SubType: SubTypeSPIFFS, Offset: 0x290000, Size: 0x160000},
		{Label: "coredump", Type: TypeData, SubType: SubTypeCoreDump, Offset: 0x3F0000, Size: 0x10000},
	}
}

// DefaultFlashSize is the device size DefaultLayout fits.
const DefaultFlashSize = 0x400000

// layoutEntry is the YAML form of a partition.
//
//	- label: app0
//	  type: app
//	  subtype: ota_0
//	  offset: 0x10000
//	  size: 1280K
type layoutEntry struct {
	Label     string `yaml:"label"`
	Type      string `yaml:"type"`
	SubType   string `yaml:"subtype"`
	Offset    string `yaml:"offset"`
	Size      string `yaml:"size"`
	Encrypted bool   `yaml:"encrypted,omitempty"`
}

// ParseLayout decodes a YAML partition list.
func ParseLayout(data []byte) ([]Partition, error) {
	var entries []layoutEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}

	out := make([]Partition, 0, len(entries))
	for _, e := range entries {
		t, err := ParseType(e.Type)
		if err != nil {
			return nil, err
		}
		s, err := ParseSubType(t, e.SubType)
		if err != nil {
			return nil, err
		}
		off, err := ParseSize(e.Offset)
		if err != nil {
			return nil, fmt.Errorf("%w: %s offset: %v", ErrInvalidLayout, e.Label, err)
		}
		size, err := ParseSize(e.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: %s size: %v", ErrInvalidLayout, e.Label, err)
		}
		out = append(out, Partition{
			Label:     e.Label,
			Type:      t,
			SubType:   s,
			Offset:    off,
			Size:      size,
			Encrypted: e.Encrypted,
		})
	}
	return out, nil
}

// MarshalLayout encodes partitions as YAML accepted by ParseLayout.
func MarshalLayout(parts []*Partition) ([]byte, error) {
	entries := make([]layoutEntry, 0, len(parts))
	for _, p := range parts {
		entries = append(entries, layoutEntry{
			Label:     p.Label,
			Type:      p.Type.String(),
			SubType:   p.SubType.Format(p.Type),
			Offset:    fmt.Sprintf("0x%x", p.Offset),
			Size:      fmt.Sprintf("0x%x", p.Size),
			Encrypted: p.Encrypted,
		})
	}
	return yaml.Marshal(entries)
}

// ParseSize parses a decimal or 0x-prefixed number with an optional K or M
// suffix.
func ParseSize(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1 << 10
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1 << 20
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	v *= mult
	if v > 1<<32-1 {
		return 0, strconv.ErrRange
	}
	return uint32(v), nil
}
