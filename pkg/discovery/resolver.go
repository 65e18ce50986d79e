package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 5 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// Device is a discovered OTA device.
type Device struct {
	// Instance is the DNS-SD instance name, the device host name.
	Instance string

	// HostName is the target host name.
	HostName string

	// Port is the OTA handshake port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Board is the advertised board name.
	Board string

	// AuthRequired is set when the device advertises auth_upload=yes.
	AuthRequired bool

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string
}

// PreferredIP returns the most preferred IP address (first in the sorted list).
// Returns nil if no addresses are available.
func (d *Device) PreferredIP() net.IP {
	if len(d.IPs) > 0 {
		return d.IPs[0]
	}
	return nil
}

// Addr returns the handshake address of the preferred IP, or nil.
func (d *Device) Addr() *net.UDPAddr {
	ip := d.PreferredIP()
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: d.Port}
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
//
// Implementations send entries until ctx is done and may return before
// that. They may close entries.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver()
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Resolver discovers OTA devices via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	r := &Resolver{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("discovery")
	}
	return r, nil
}

// Browse streams devices until ctx is done or the browse timeout expires.
// The channel is closed at the end. Repeated announcements of the same
// instance are delivered once.
func (r *Resolver) Browse(ctx context.Context) (<-chan Device, error) {
	ctx, cancel := r.withTimeout(ctx, r.config.BrowseTimeout)
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan Device)

	go func() {
		defer close(results)
		defer cancel()

		seen := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil || seen[entry.Instance] {
					continue
				}
				seen[entry.Instance] = true
				dev := entryToDevice(entry)
				if r.log != nil {
					r.log.Debugf("found %s at %v:%d", dev.Instance, dev.PreferredIP(), dev.Port)
				}
				select {
				case results <- dev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		if err := r.resolver.Browse(ctx, ServiceArduino, DefaultDomain, entries); err != nil {
			if r.log != nil {
				r.log.Warnf("browse %s failed: %v", ServiceArduino, err)
			}
			cancel()
		}
	}()

	return results, nil
}

// Discover collects every device found within the browse timeout.
func (r *Resolver) Discover(ctx context.Context) ([]Device, error) {
	devices, err := r.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var out []Device
	for dev := range devices {
		out = append(out, dev)
	}
	return out, nil
}

// Lookup finds the device whose instance name is hostName.
func (r *Resolver) Lookup(ctx context.Context, hostName string) (*Device, error) {
	if !ValidHostName(hostName) {
		return nil, ErrInvalidHostName
	}

	ctx, cancel := r.withTimeout(ctx, r.config.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		if err := r.resolver.Lookup(ctx, hostName, ServiceArduino, DefaultDomain, entries); err != nil {
			if r.log != nil {
				r.log.Warnf("lookup %s failed: %v", hostName, err)
			}
			cancel()
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrServiceNotFound
			}
			if entry == nil || !strings.EqualFold(entry.Instance, hostName) {
				continue
			}
			dev := entryToDevice(entry)
			return &dev, nil
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// withTimeout applies d if ctx has no deadline.
func (r *Resolver) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// entryToDevice converts a zeroconf.ServiceEntry to a Device.
func entryToDevice(entry *zeroconf.ServiceEntry) Device {
	var allIPs []net.IP
	allIPs = append(allIPs, entry.AddrIPv4...)
	allIPs = append(allIPs, entry.AddrIPv6...)

	dev := Device{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		IPs:      SortIPsByPreference(allIPs),
		Text:     ParseTXT(entry.Text),
	}
	// A malformed auth flag counts as auth required.
	if txt, err := ParseDeviceTXT(entry.Text); err == nil {
		dev.Board = txt.Board
		dev.AuthRequired = txt.AuthUpload
	} else {
		dev.Board = dev.Text[TXTKeyBoard]
		dev.AuthRequired = true
	}
	return dev
}
