// Package device assembles a runnable OTA receiver: a flash image with its
// partition table, the update writer, the OTA server, metrics and the
// optional mDNS advertisement.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/espota/pkg/discovery"
	"github.com/backkem/espota/pkg/ota"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/update"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Device is an OTA receiver.
type Device struct {
	config Config
	log    logging.LeveledLogger

	storage    *Storage
	table      *partition.Table
	updater    *update.Updater
	server     *ota.Server
	metrics    *ota.Metrics
	gatherer   prometheus.Gatherer
	advertiser *discovery.Advertiser

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan error
}

// New assembles a Device. The device is created but not started.
func New(config Config) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	d := &Device{config: config}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("device")
	}

	ok := false
	defer func() {
		if !ok {
			d.release()
		}
	}()

	if err := d.openFlash(); err != nil {
		return nil, err
	}
	if err := d.openUpdater(); err != nil {
		return nil, err
	}
	if err := d.openServer(); err != nil {
		return nil, err
	}
	if config.MDNS {
		adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			HostName:      config.HostName,
			Port:          int(d.server.Port()),
			ServerFactory: config.ServerFactory,
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
		d.advertiser = adv
	}

	ok = true
	return d, nil
}

func (d *Device) openFlash() error {
	s, err := OpenStorage(d.config)
	if err != nil {
		return err
	}
	d.storage, d.table = s, s.Table
	return nil
}

func (d *Device) openUpdater() error {
	decrypt, post, err := d.config.decryptConfig()
	if err != nil {
		return err
	}
	verifier, hash, err := d.config.verifier()
	if err != nil {
		return fmt.Errorf("device: signature key: %w", err)
	}
	d.updater, err = update.New(update.Config{
		Table:                d.table,
		Decrypt:              decrypt,
		DigestPostDecryption: post,
		Verifier:             verifier,
		SignatureHash:        hash,
		LoggerFactory:        d.config.LoggerFactory,
	})
	return err
}

func (d *Device) openServer() error {
	reg := d.config.Registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, d.gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		d.gatherer = g
	}

	var err error
	d.metrics, err = ota.NewMetrics(reg, d.config.Events)
	if err != nil {
		return fmt.Errorf("device: metrics: %w", err)
	}

	d.server, err = ota.NewServer(ota.ServerConfig{
		Conn:            d.config.Conn,
		ListenAddr:      d.config.ListenAddr(),
		Hostname:        d.config.HostName,
		Password:        d.config.Password,
		PasswordHash:    d.config.PasswordHash,
		Updater:         d.updater,
		Label:           d.config.Label,
		Timeout:         d.config.Timeout,
		RebootOnSuccess: d.config.Reboot,
		Rebooter:        ota.RebootFunc(d.restart),
		RebootDelay:     d.config.RebootDelay,
		ApproveReboot:   d.config.ApproveReboot,
		Events:          d.metrics,
		LoggerFactory:   d.config.LoggerFactory,
	})
	return err
}

// restart switches to the boot partition the way the bootloader would.
func (d *Device) restart() error {
	p, err := d.table.Reboot()
	if err != nil {
		return err
	}
	if err := d.storage.Sync(); err != nil {
		return err
	}
	if d.log != nil {
		d.log.Infof("restarted, running %s", p)
	}
	if d.config.Rebooter != nil {
		return d.config.Rebooter.Restart()
	}
	return nil
}

// Start begins serving updates until ctx is done or Stop is called.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrAlreadyStopped
	}

	if err := d.server.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.server.Run(ctx) }()

	if d.advertiser != nil {
		txt := discovery.DeviceTXT{Board: d.config.Board, AuthUpload: d.server.AuthRequired()}
		if err := d.advertiser.Start(txt); err != nil {
			cancel()
			<-done
			return err
		}
	}

	d.cancel, d.done = cancel, done
	d.state = StateRunning

	if d.log != nil {
		d.log.Infof("%s (%s) ready on %s, auth %v", d.config.HostName, d.config.Board, d.server.LocalAddr(), d.server.AuthRequired())
		if ips, err := discovery.GetLocalAddresses(); err == nil {
			for _, ip := range discovery.SortIPsByPreference(ips) {
				d.log.Debugf("reachable at %s", ip)
			}
		}
	}
	return nil
}

// Stop shuts the device down and releases the flash image.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopped {
		return ErrAlreadyStopped
	}
	if d.state == StateRunning {
		d.cancel()
		d.done <- <-d.done
	}
	err := d.release()
	d.state = StateStopped

	if d.log != nil {
		d.log.Info("device stopped")
	}
	return err
}

// release closes everything New opened.
func (d *Device) release() error {
	if d.advertiser != nil {
		d.advertiser.Close()
	}
	if d.server != nil {
		d.server.Close()
	}
	if d.updater != nil && d.updater.IsRunning() {
		d.updater.Abort()
	}
	if d.storage != nil {
		return d.storage.Close()
	}
	return nil
}

// Wait blocks until the server loop exits.
func (d *Device) Wait() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}
	err := <-done
	done <- err
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// State returns the lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Table returns the partition table.
func (d *Device) Table() *partition.Table {
	return d.table
}

// Updater returns the update writer.
func (d *Device) Updater() *update.Updater {
	return d.updater
}

// Server returns the OTA server.
func (d *Device) Server() *ota.Server {
	return d.server
}

// Gatherer returns the metrics registry, or nil when an external
// Registerer cannot be gathered.
func (d *Device) Gatherer() prometheus.Gatherer {
	return d.gatherer
}

// Advertiser returns the mDNS advertiser, or nil when disabled.
func (d *Device) Advertiser() *discovery.Advertiser {
	return d.advertiser
}

// Config returns the effective configuration.
func (d *Device) Config() Config {
	return d.config
}
