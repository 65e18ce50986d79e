// Package discovery advertises OTA capable devices over DNS-SD (mDNS) and
// finds them from the uploader side.
//
// A device registers one `_arduino._tcp` service whose instance name is its
// host name and whose port is the OTA handshake port. The TXT record names
// the board and tells uploaders whether a password is required.
package discovery

import (
	"fmt"
	"strings"
)

// DNS-SD service strings.
const (
	// ServiceArduino is the service type OTA devices register under.
	ServiceArduino = "_arduino._tcp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// TXT record keys.
const (
	TXTKeyBoard      = "board"
	TXTKeyTCPCheck   = "tcp_check"
	TXTKeySSHUpload  = "ssh_upload"
	TXTKeyAuthUpload = "auth_upload"
)

// MaxTXTEntryLength is the longest single key=value string a TXT record
// can carry.
const MaxTXTEntryLength = 255

// DeviceTXT is the TXT record of an OTA device.
type DeviceTXT struct {
	// Board names the hardware, e.g. "esp32".
	Board string

	// AuthUpload is set when uploads must answer a challenge.
	AuthUpload bool
}

// Encode returns the TXT strings. The device never accepts uploads over
// SSH and does not answer TCP probes, so those flags are always "no".
func (d *DeviceTXT) Encode() []string {
	return []string{
		TXTKeyBoard + "=" + d.Board,
		TXTKeyTCPCheck + "=no",
		TXTKeySSHUpload + "=no",
		TXTKeyAuthUpload + "=" + yesNo(d.AuthUpload),
	}
}

// Validate checks that the record fits in a TXT entry.
func (d *DeviceTXT) Validate() error {
	if d.Board == "" || len(TXTKeyBoard)+1+len(d.Board) > MaxTXTEntryLength {
		return ErrInvalidBoard
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map. Entries without a key
// are skipped; a key without '=' maps to the empty string.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		key, value, _ := strings.Cut(record, "=")
		if key == "" {
			continue
		}
		result[strings.ToLower(key)] = value
	}
	return result
}

// ParseDeviceTXT decodes a device TXT record. A missing auth_upload flag
// means no authentication.
func ParseDeviceTXT(records []string) (*DeviceTXT, error) {
	m := ParseTXT(records)
	txt := &DeviceTXT{Board: m[TXTKeyBoard]}

	if v, ok := m[TXTKeyAuthUpload]; ok {
		auth, err := parseYesNo(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyAuthUpload, v)
		}
		txt.AuthUpload = auth
	}
	return txt, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	default:
		return false, ErrInvalidTXTRecord
	}
}
