package device

import (
	"fmt"
	"io"

	"github.com/backkem/espota/pkg/flash"
	"github.com/backkem/espota/pkg/partition"
	"github.com/pion/logging"
)

// Storage is the flash image and partition table of a device, opened
// without the network side.
type Storage struct {
	Flash flash.Device
	Table *partition.Table

	owns bool
	log  logging.LeveledLogger
}

// OpenStorage opens the flash selected by config and its partition table.
// Config.Device wins over Flash.Path; with neither the image lives in memory.
func OpenStorage(config Config) (*Storage, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Storage{}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("device")
	}

	switch {
	case config.Device != nil:
		s.Flash = config.Device
	case config.Flash.Path != "":
		f, err := flash.OpenFile(config.Flash.Path, config.flashSize())
		if err != nil {
			return nil, fmt.Errorf("device: open flash: %w", err)
		}
		s.Flash, s.owns = f, true
	default:
		s.Flash = flash.NewMemDevice(config.flashSize())
	}

	layout, err := config.layout()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("device: layout: %w", err)
	}
	s.Table, err = partition.Open(partition.Config{
		Device:        s.Flash,
		Partitions:    layout,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	if s.log != nil {
		s.log.Infof("flash %d bytes, %d partitions, running %s", s.Flash.Size(), len(s.Table.Partitions()), s.Table.Running())
	}
	return s, nil
}

// Sync flushes a file backed image.
func (s *Storage) Sync() error {
	if f, ok := s.Flash.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}

// Close releases a flash image opened from Flash.Path. A caller supplied
// Config.Device is left open.
func (s *Storage) Close() error {
	if c, ok := s.Flash.(io.Closer); ok && s.owns {
		s.owns = false
		return c.Close()
	}
	return nil
}
