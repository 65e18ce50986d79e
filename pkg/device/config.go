package device

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/discovery"
	"github.com/backkem/espota/pkg/flash"
	"github.com/backkem/espota/pkg/flashcrypt"
	"github.com/backkem/espota/pkg/ota"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/signature"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultHostName = "esp32"
	DefaultBoard    = "esp32"
	DefaultPort     = discovery.DefaultPort
)

// FlashConfig selects the flash image.
type FlashConfig struct {
	// Path is the image file. Empty keeps the flash in memory.
	Path string `yaml:"path"`

	// Size is the device size, e.g. "4M" or "0x400000". Defaults to the
	// size the default layout fits.
	Size string `yaml:"size"`

	// Layout is a YAML partition layout file. Empty uses the default layout.
	Layout string `yaml:"layout"`
}

// DecryptConfig enables decryption of incoming images.
type DecryptConfig struct {
	// Key is the hex encoded XTS key. KeyFile holds the raw key instead.
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`

	// Mode is "none", "auto" or "on".
	Mode string `yaml:"mode"`

	// Tweak is the 4-bit key configuration value.
	Tweak uint8 `yaml:"tweak"`

	// Address overrides the encryption base address, e.g. "0x10000".
	Address string `yaml:"address"`

	// DigestPostDecryption folds decrypted bytes into the MD5 digest.
	DigestPostDecryption bool `yaml:"digest_post_decryption"`
}

// SignatureConfig requires signed images.
type SignatureConfig struct {
	// PublicKey is a PEM file with an RSA or ECDSA public key.
	PublicKey string `yaml:"public_key"`

	// Hash is "sha256", "sha384" or "sha512".
	Hash string `yaml:"hash"`
}

// Config configures a Device. The YAML fields map to the daemon config
// file; the rest are wired by code.
type Config struct {
	HostName string `yaml:"hostname"`
	Board    string `yaml:"board"`

	// Bind is the handshake listen host. Empty listens on all addresses.
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`

	// Label pins updates to one partition.
	Label string `yaml:"label"`

	// Timeout is the bulk transfer stall timeout.
	Timeout time.Duration `yaml:"timeout"`

	// Reboot switches to the new image after a successful update.
	Reboot      bool          `yaml:"reboot"`
	RebootDelay time.Duration `yaml:"reboot_delay"`

	// MDNS advertises the device as _arduino._tcp.
	MDNS bool `yaml:"mdns"`

	// MetricsAddr is the listen address of the /metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`

	Flash     FlashConfig      `yaml:"flash"`
	Decrypt   *DecryptConfig   `yaml:"decrypt"`
	Signature *SignatureConfig `yaml:"signature"`

	// Conn replaces the handshake socket.
	Conn net.PacketConn `yaml:"-"`

	// Device replaces the flash image.
	Device flash.Device `yaml:"-"`

	// Registerer receives the OTA metrics. Defaults to a private registry.
	Registerer prometheus.Registerer `yaml:"-"`

	// Events receives OTA lifecycle notifications after the metrics.
	Events ota.Events `yaml:"-"`

	// Rebooter is called after the partition table switched images.
	Rebooter ota.Rebooter `yaml:"-"`

	// ApproveReboot can veto activation of a received image.
	ApproveReboot func() bool `yaml:"-"`

	// ServerFactory replaces the mDNS responder.
	ServerFactory discovery.MDNSServerFactory `yaml:"-"`

	LoggerFactory logging.LoggerFactory `yaml:"-"`
}

// ParseConfig decodes a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &c, nil
}

// LoadConfig reads and decodes the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.HostName != "" && !discovery.ValidHostName(c.HostName) {
		return fmt.Errorf("%w: %q", ErrInvalidHostName, c.HostName)
	}
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.PasswordHash != "" && !digest.IsHexDigest(c.PasswordHash, digest.HexSize) {
		return ErrInvalidPasswordHash
	}
	if c.Timeout < 0 || c.RebootDelay < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	if c.Flash.Size != "" {
		if _, err := partition.ParseSize(c.Flash.Size); err != nil {
			return fmt.Errorf("%w: flash size: %v", ErrInvalidConfig, err)
		}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if d := c.Decrypt; d != nil {
		if (d.Key == "") == (d.KeyFile == "") {
			return fmt.Errorf("%w: decrypt needs exactly one of key and key_file", ErrInvalidConfig)
		}
		if _, err := flashcrypt.ParseMode(d.Mode); err != nil {
			return err
		}
		if d.Tweak > 0xF {
			return fmt.Errorf("%w: decrypt tweak must fit 4 bits", ErrInvalidConfig)
		}
	}
	if s := c.Signature; s != nil {
		if s.PublicKey == "" {
			return fmt.Errorf("%w: signature needs a public key", ErrInvalidConfig)
		}
		if _, err := signature.ParseHash(s.Hash); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.HostName == "" {
		c.HostName = DefaultHostName
	}
	if c.Board == "" {
		c.Board = DefaultBoard
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
}

// ListenAddr returns the handshake listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// flashSize returns the configured device size.
func (c *Config) flashSize() uint32 {
	if c.Flash.Size == "" {
		return partition.DefaultFlashSize
	}
	n, _ := partition.ParseSize(c.Flash.Size)
	return n
}

// layout loads the partition layout.
func (c *Config) layout() ([]partition.Partition, error) {
	if c.Flash.Layout == "" {
		return partition.DefaultLayout(), nil
	}
	data, err := os.ReadFile(c.Flash.Layout)
	if err != nil {
		return nil, err
	}
	return partition.ParseLayout(data)
}

// decryptConfig builds the flashcrypt parameters.
func (c *Config) decryptConfig() (*flashcrypt.Config, bool, error) {
	d := c.Decrypt
	if d == nil {
		return nil, false, nil
	}

	var key []byte
	var err error
	if d.KeyFile != "" {
		key, err = os.ReadFile(d.KeyFile)
	} else {
		key, err = hex.DecodeString(strings.TrimSpace(d.Key))
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: decrypt key: %v", ErrInvalidConfig, err)
	}
	if len(key) != flashcrypt.KeySize128 && len(key) != flashcrypt.KeySize256 {
		return nil, false, flashcrypt.ErrKeySize
	}

	mode, err := flashcrypt.ParseMode(d.Mode)
	if err != nil {
		return nil, false, err
	}
	var addr uint32
	if d.Address != "" {
		if addr, err = partition.ParseSize(d.Address); err != nil {
			return nil, false, fmt.Errorf("%w: decrypt address: %v", ErrInvalidConfig, err)
		}
	}
	return &flashcrypt.Config{Key: key, Address: addr, Tweak: d.Tweak, Mode: mode}, d.DigestPostDecryption, nil
}

// verifier loads the signature key.
func (c *Config) verifier() (signature.Verifier, signature.Hash, error) {
	s := c.Signature
	if s == nil {
		return nil, 0, nil
	}
	data, err := os.ReadFile(s.PublicKey)
	if err != nil {
		return nil, 0, err
	}
	v, err := signature.ParsePublicKeyPEM(data)
	if err != nil {
		return nil, 0, err
	}
	h, err := signature.ParseHash(s.Hash)
	if err != nil {
		return nil, 0, err
	}
	return v, h, nil
}

// ParseLogLevel maps a level name onto pion/logging.
func ParseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
}
