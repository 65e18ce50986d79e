package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// StreamListener waits for the device to open the bulk transfer connection.
// The uploader announces its port in the invitation and the device dials
// back, so the listener lives on the uploader side.
type StreamListener struct {
	listener net.Listener
	log      logging.LeveledLogger

	mu     sync.Mutex
	closed bool
}

// StreamConfig configures a StreamListener.
type StreamConfig struct {
	// Listener is an optional pre-existing Listener to use.
	// If nil, a new listener will be created using ListenAddr.
	Listener net.Listener

	// ListenAddr is the address to listen on. Defaults to ":0".
	ListenAddr string

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewStreamListener creates a StreamListener.
func NewStreamListener(config StreamConfig) (*StreamListener, error) {
	s := &StreamListener{listener: config.Listener}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("transport-tcp")
	}

	if s.listener == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		s.listener = l
	}
	return s, nil
}

// Port returns the TCP port to announce.
func (s *StreamListener) Port() uint16 {
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

// Addr returns the listening address.
func (s *StreamListener) Addr() net.Addr {
	return s.listener.Addr()
}

// Accept waits up to timeout for one connection. A zero timeout waits until
// ctx is done.
func (s *StreamListener) Accept(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := s.listener.Accept()
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if s.log != nil {
			s.log.Debugf("accepted stream from %s", r.conn.RemoteAddr())
		}
		return r.conn, nil
	case <-ctx.Done():
		// Closing the listener releases the accept goroutine.
		s.Close()
		r := <-done
		if r.conn != nil {
			r.conn.Close()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrAcceptTimeout
		}
		return nil, ctx.Err()
	}
}

// Close stops listening.
func (s *StreamListener) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}

// DialStream connects to a device-announced stream endpoint.
func DialStream(ctx context.Context, addr *net.TCPAddr, timeout time.Duration) (net.Conn, error) {
	if addr == nil {
		return nil, ErrInvalidAddress
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr.String())
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
