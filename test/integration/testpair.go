// Package integration provides test infrastructure for end-to-end OTA
// tests between a device.Device and the client uploader.
package integration

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/espota/pkg/client"
	"github.com/backkem/espota/pkg/device"
	"github.com/backkem/espota/pkg/ota"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/transport"
	"github.com/backkem/espota/pkg/update"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTimeout bounds every upload made through a TestPair.
const DefaultTimeout = 20 * time.Second

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	// Device is the receiver configuration. Conn, Registerer and Events
	// are filled in by the pair.
	Device device.Config

	// Client is the uploader template. Remote and PacketConn are filled in
	// by the pair; ListenAddr defaults to 127.0.0.1:0.
	Client client.Config

	// Pipe runs the handshake over an in-memory transport.Pipe instead of
	// a loopback socket. The uploader end of a pipe carries one upload.
	Pipe bool

	// Condition is applied to the pipe.
	Condition transport.NetworkCondition

	// Timeout bounds each upload. Defaults to DefaultTimeout.
	Timeout time.Duration

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TestPair holds a running device and what is needed to upload to it.
//
// Example usage:
//
//	pair := NewTestPair(t, TestPairConfig{})
//	defer pair.Close()
//	res, err := pair.Upload(AppImage(4096))
type TestPair struct {
	// Device is the receiver under test.
	Device *device.Device

	// Registry holds the receiver metrics.
	Registry *prometheus.Registry

	// Events records the receiver lifecycle notifications.
	Events *Recorder

	t      *testing.T
	config TestPairConfig
	pipe   *transport.Pipe
	end    net.PacketConn
	remote *net.UDPAddr
	cancel context.CancelFunc
}

// NewTestPair builds and starts a device on loopback or a pipe.
func NewTestPair(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Client.ListenAddr == "" && config.Client.Listener == nil {
		config.Client.ListenAddr = "127.0.0.1:0"
	}
	if config.Client.ReplyTimeout == 0 {
		config.Client.ReplyTimeout = time.Second
	}
	if config.Device.LoggerFactory == nil {
		config.Device.LoggerFactory = config.LoggerFactory
	}
	if config.Client.LoggerFactory == nil {
		config.Client.LoggerFactory = config.LoggerFactory
	}

	p := &TestPair{
		Registry: prometheus.NewRegistry(),
		Events:   &Recorder{},
		t:        t,
	}
	config.Device.Registerer = p.Registry
	config.Device.Events = p.Events

	if config.Pipe {
		p.pipe = transport.NewPipeWithConfig(transport.PipeConfig{
			AutoProcess:     true,
			ProcessInterval: time.Millisecond,
			Addr0:           &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
			Addr1:           &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: transport.DefaultPort},
			Seed:            1,
		})
		p.pipe.SetCondition(config.Condition)
		uploaderEnd, deviceEnd := p.pipe.PacketConns()
		config.Device.Conn = deviceEnd
		p.end = uploaderEnd
	} else {
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("ListenPacket() error = %v", err)
		}
		config.Device.Conn = conn
	}
	p.config = config

	d, err := device.New(config.Device)
	if err != nil {
		p.closePipe()
		t.Fatalf("Failed to create device: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		d.Stop()
		p.closePipe()
		t.Fatalf("Failed to start device: %v", err)
	}
	p.Device, p.cancel = d, cancel

	if config.Pipe {
		p.remote = config.Device.Conn.LocalAddr().(*net.UDPAddr)
	} else {
		p.remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(d.Server().Port())}
	}
	return p
}

// Uploader returns an uploader aimed at the device.
func (p *TestPair) Uploader(password string) *client.Uploader {
	p.t.Helper()
	cfg := p.config.Client
	cfg.Remote = p.remote
	cfg.Password = password
	if p.end != nil {
		cfg.PacketConn = p.end
	}
	u, err := client.New(cfg)
	if err != nil {
		p.t.Fatalf("client.New() error = %v", err)
	}
	return u
}

// Upload sends img with the configured client password.
func (p *TestPair) Upload(img client.Image) (*client.Result, error) {
	return p.UploadWith(p.config.Client.Password, img)
}

// UploadWith sends img with password.
func (p *TestPair) UploadWith(password string, img client.Image) (*client.Result, error) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()
	return p.Uploader(password).Upload(ctx, img)
}

// WaitIdle blocks until the device session is idle again.
func (p *TestPair) WaitIdle() {
	p.t.Helper()
	deadline := time.Now().Add(p.config.Timeout)
	for p.Device.Server().State() != ota.StateIdle {
		if time.Now().After(deadline) {
			p.t.Fatalf("server stuck in %s", p.Device.Server().State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Eventually polls cond until it holds or the pair timeout expires.
func (p *TestPair) Eventually(what string, cond func() bool) {
	p.t.Helper()
	deadline := time.Now().Add(p.config.Timeout)
	for !cond() {
		if time.Now().After(deadline) {
			p.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Read returns the first n bytes of the partition labelled label.
func (p *TestPair) Read(label string, n int) []byte {
	p.t.Helper()
	tbl := p.Device.Table()
	part, err := tbl.ByLabel(label)
	if err != nil {
		p.t.Fatalf("ByLabel(%q) error = %v", label, err)
	}
	b := make([]byte, n)
	if err := tbl.Read(part, 0, b); err != nil {
		p.t.Fatalf("Read(%q) error = %v", label, err)
	}
	return b
}

// Counter returns a gathered counter value, matching one label pair when
// label is set, or -1 if absent.
func (p *TestPair) Counter(name, label, value string) float64 {
	p.t.Helper()
	families, err := p.Registry.Gather()
	if err != nil {
		p.t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}

// Close stops the device and the pipe.
// Should be called with defer after creating the pair.
func (p *TestPair) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.Device != nil {
		p.Device.Stop()
	}
	p.closePipe()
}

func (p *TestPair) closePipe() {
	if p.pipe != nil {
		p.pipe.Close()
		p.pipe = nil
	}
}

// Recorder is an ota.Events that keeps what it saw.
type Recorder struct {
	mu       sync.Mutex
	starts   []update.Command
	progress uint32
	ends     int
	errors   []*ota.Error
}

// OnStart implements ota.Events.
func (r *Recorder) OnStart(cmd update.Command) {
	r.mu.Lock()
	r.starts = append(r.starts, cmd)
	r.mu.Unlock()
}

// OnProgress implements ota.Events.
func (r *Recorder) OnProgress(done, total uint32) {
	r.mu.Lock()
	r.progress = done
	r.mu.Unlock()
}

// OnEnd implements ota.Events.
func (r *Recorder) OnEnd() {
	r.mu.Lock()
	r.ends++
	r.mu.Unlock()
}

// OnError implements ota.Events.
func (r *Recorder) OnError(err *ota.Error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

// Starts returns the commands of every begun session.
func (r *Recorder) Starts() []update.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update.Command(nil), r.starts...)
}

// Ends returns the number of committed sessions.
func (r *Recorder) Ends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ends
}

// Errors returns every reported failure.
func (r *Recorder) Errors() []*ota.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ota.Error(nil), r.errors...)
}

// AppImage returns an n byte app image starting with the image magic.
func AppImage(n int) client.Image {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	data[0] = partition.ImageMagic
	return client.Image{Name: "firmware.bin", Command: update.CommandFlash, Data: data}
}

// FilesystemImage returns an n byte filesystem image.
func FilesystemImage(n int) client.Image {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i ^ 0x5A)
	}
	return client.Image{Name: "spiffs.bin", Command: update.CommandFilesystem, Data: data}
}
