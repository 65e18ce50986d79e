// Package ota implements the device side of the network update protocol.
//
// An uploader announces an image with a datagram invitation. The Session
// state machine answers it, optionally after an MD5 challenge, and arms a
// transfer; the Driver then connects back to the uploader over TCP and
// streams the image into an update.Updater, acknowledging every chunk with
// the cumulative byte count. The Server ties both to a UDP socket behind a
// poll loop: each Handle call either processes one datagram or, once armed,
// runs the whole transfer.
package ota

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/espota/pkg/transport"
	"github.com/backkem/espota/pkg/update"
	"github.com/pion/logging"
)

// DefaultPollInterval is the tick of Server.Run.
const DefaultPollInterval = 10 * time.Millisecond

// inboxSize bounds datagrams queued between ticks.
const inboxSize = 16

// ServerConfig configures a Server.
type ServerConfig struct {
	// Conn is an optional pre-existing PacketConn.
	Conn net.PacketConn

	// ListenAddr is used when Conn is nil. Defaults to ":3232".
	ListenAddr string

	// Hostname seeds challenge nonces.
	Hostname string

	// Password enables authentication. PasswordHash, the hex MD5 of the
	// password, takes precedence.
	Password     string
	PasswordHash string

	// Updater writes images. Required.
	Updater *update.Updater

	// Label selects the target partition.
	Label string

	// Timeout is the bulk transfer stall timeout.
	Timeout time.Duration

	// PollInterval is the tick of Run. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	RebootOnSuccess bool
	Rebooter        Rebooter
	RebootDelay     time.Duration
	ApproveReboot   func() bool

	// Events receives lifecycle notifications.
	Events Events

	// Dial overrides the bulk connection dialer.
	Dial DialFunc

	// Nonces overrides the challenge nonce source.
	Nonces NonceSource

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Server runs the OTA protocol on a UDP socket.
type Server struct {
	udp      *transport.UDP
	inbox    chan *transport.Datagram
	session  *Session
	driver   *Driver
	events   Events
	interval time.Duration
	auth     bool
	log      logging.LeveledLogger

	// mu serializes ticks.
	mu sync.Mutex

	// state mirrors the session state at the end of each step so readers
	// do not wait for a transfer holding mu.
	state atomic.Int32

	closeMu sync.Mutex
	closed  bool
}

// NewServer creates a Server. Call Start or Run to begin receiving.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Updater == nil {
		return nil, ErrNoUpdater
	}

	s := &Server{
		inbox:    make(chan *transport.Datagram, inboxSize),
		events:   config.Events,
		interval: config.PollInterval,
	}
	if s.events == nil {
		s.events = nopEvents{}
	}
	if s.interval <= 0 {
		s.interval = DefaultPollInterval
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("ota")
	}

	secret := config.PasswordHash
	if secret == "" && config.Password != "" {
		secret = HashPassword(config.Password)
	}
	s.auth = secret != ""

	listen := config.ListenAddr
	if listen == "" {
		listen = net.JoinHostPort("", "3232")
	}
	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:            config.Conn,
		ListenAddr:      listen,
		DatagramHandler: s.enqueue,
		LoggerFactory:   config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	s.udp = udp

	s.session = NewSession(SessionConfig{
		SecretHash:    secret,
		Nonces:        config.Nonces,
		Hostname:      config.Hostname,
		LoggerFactory: config.LoggerFactory,
	})

	s.driver, err = NewDriver(DriverConfig{
		Updater:         config.Updater,
		Label:           config.Label,
		Timeout:         config.Timeout,
		ApproveReboot:   config.ApproveReboot,
		RebootOnSuccess: config.RebootOnSuccess,
		Rebooter:        config.Rebooter,
		RebootDelay:     config.RebootDelay,
		Events:          s.events,
		Dial:            config.Dial,
		Reply:           udp.Send,
		LoggerFactory:   config.LoggerFactory,
	})
	if err != nil {
		udp.Stop()
		return nil, err
	}
	return s, nil
}

func (s *Server) enqueue(d *transport.Datagram) {
	select {
	case s.inbox <- d:
	default:
		if s.log != nil {
			s.log.Warnf("dropping datagram from %v: inbox full", d.PeerAddr)
		}
	}
}

// Start begins receiving datagrams.
func (s *Server) Start() error {
	if err := s.udp.Start(); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	if s.log != nil {
		s.log.Infof("OTA server on %s, auth %t", s.udp.LocalAddr(), s.auth)
	}
	return nil
}

// Handle runs one poll tick: the pending transfer if the session is armed,
// otherwise at most one queued datagram. It never blocks outside a transfer.
// The returned error describes a failed session.
func (s *Server) Handle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.state.Store(int32(s.session.State())) }()

	if s.session.State() == StateRunningUpdate {
		err := s.driver.Run(ctx, s.session)
		s.drain()
		return err
	}

	select {
	case d := <-s.inbox:
		reply, err := s.session.HandleDatagram(d.Data, d.PeerAddr.Addr)
		if reply != nil {
			if serr := s.udp.Send(reply, d.PeerAddr.Addr); serr != nil && s.log != nil {
				s.log.Warnf("reply to %v failed: %v", d.PeerAddr, serr)
			}
		}
		var e *Error
		if errors.As(err, &e) {
			s.events.OnError(e)
		}
		return err
	default:
		return nil
	}
}

// drain discards datagrams that arrived during a transfer; a session that
// is not idle ignores invitations.
func (s *Server) drain() {
	for {
		select {
		case <-s.inbox:
		default:
			return
		}
	}
}

// Run starts the server if needed and calls Handle every poll interval
// until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil && !errors.Is(err, transport.ErrAlreadyStarted) {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.Handle(ctx); err != nil && s.log != nil {
			s.log.Debugf("session ended: %v", err)
		}
	}
}

// Close stops the socket. A running transfer is not interrupted; cancel
// its context instead.
func (s *Server) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.udp.Stop(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}

// LocalAddr returns the handshake socket address.
func (s *Server) LocalAddr() net.Addr {
	return s.udp.LocalAddr()
}

// Port returns the handshake port, or 0 for non-UDP sockets.
func (s *Server) Port() uint16 {
	if a, ok := s.udp.LocalAddr().(*net.UDPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

// AuthRequired reports whether uploads must authenticate.
func (s *Server) AuthRequired() bool {
	return s.auth
}

// State returns the session state. It does not block during a transfer,
// which reports StateRunningUpdate.
func (s *Server) State() State {
	return State(s.state.Load())
}
