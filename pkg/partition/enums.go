package partition

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the partition type.
type Type uint8

const (
	// TypeApp holds a firmware image.
	TypeApp Type = 0x00
	// TypeData holds anything else.
	TypeData Type = 0x01
)

// String returns the layout name of the type.
func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("0x%02x", uint8(t))
	}
}

// IsValid returns true if t is a defined type.
func (t Type) IsValid() bool {
	return t == TypeApp || t == TypeData
}

// ParseType parses "app", "data" or a numeric type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: type %q", ErrInvalidLayout, s)
	}
	return Type(v), nil
}

// SubType refines a Type. Its meaning depends on the Type.
type SubType uint8

// App subtypes.
const (
	SubTypeFactory SubType = 0x00
	SubTypeOTA0    SubType = 0x10
	SubTypeOTA15   SubType = 0x1F
	SubTypeTest    SubType = 0x20
)

// Data subtypes.
const (
	SubTypeOTAData  SubType = 0x00
	SubTypePhy      SubType = 0x01
	SubTypeNVS      SubType = 0x02
	SubTypeCoreDump SubType = 0x03
	SubTypeFAT      SubType = 0x81
	SubTypeSPIFFS   SubType = 0x82
	SubTypeLittleFS SubType = 0x83
)

// SubTypeAny matches every subtype in lookups.
const SubTypeAny SubType = 0xFF

// OTASubType returns the subtype of OTA slot i.
func OTASubType(i int) SubType {
	return SubTypeOTA0 + SubType(i)
}

// IsOTA reports whether s is an OTA app slot subtype.
func (s SubType) IsOTA() bool {
	return s >= SubTypeOTA0 && s <= SubTypeOTA15
}

// OTAIndex returns the slot index of an OTA app subtype.
func (s SubType) OTAIndex() int {
	return int(s - SubTypeOTA0)
}

// IsFilesystem reports whether s is a data subtype holding a filesystem.
func (s SubType) IsFilesystem() bool {
	return s == SubTypeFAT || s == SubTypeSPIFFS || s == SubTypeLittleFS
}

// Format returns the layout name of s for partitions of type t.
func (s SubType) Format(t Type) string {
	if t == TypeApp {
		switch {
		case s == SubTypeFactory:
			return "factory"
		case s.IsOTA():
			return fmt.Sprintf("ota_%d", s.OTAIndex())
		case s == SubTypeTest:
			return "test"
		}
	} else if t == TypeData {
		switch s {
		case SubTypeOTAData:
			return "ota"
		case SubTypePhy:
			return "phy"
		case SubTypeNVS:
			return "nvs"
		case SubTypeCoreDump:
			return "coredump"
		case SubTypeFAT:
			return "fat"
		case SubTypeSPIFFS:
			return "spiffs"
		case SubTypeLittleFS:
			return "littlefs"
		}
	}
	return fmt.Sprintf("0x%02x", uint8(s))
}

// ParseSubType parses a subtype name for a partition of type t.
func ParseSubType(t Type, s string) (SubType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if t == TypeApp {
		switch name {
		case "factory":
			return SubTypeFactory, nil
		case "test":
			return SubTypeTest, nil
		}
		if rest, ok := strings.CutPrefix(name, "ota_"); ok {
			i, err := strconv.Atoi(rest)
			if err != nil || i < 0 || i > 15 {
				return 0, fmt.Errorf("%w: subtype %q", ErrInvalidLayout, s)
			}
			return OTASubType(i), nil
		}
	} else if t == TypeData {
		switch name {
		case "ota":
			return SubTypeOTAData, nil
		case "phy":
			return SubTypePhy, nil
		case "nvs":
			return SubTypeNVS, nil
		case "coredump":
			return SubTypeCoreDump, nil
		case "fat":
			return SubTypeFAT, nil
		case "spiffs":
			return SubTypeSPIFFS, nil
		case "littlefs":
			return SubTypeLittleFS, nil
		}
	}
	v, err := strconv.ParseUint(name, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: subtype %q", ErrInvalidLayout, s)
	}
	return SubType(v), nil
}
