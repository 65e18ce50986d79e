package ota

import (
	"net"

	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/transport"
	"github.com/backkem/espota/pkg/update"
	"github.com/pion/logging"
)

// NonceSource issues challenge nonces.
type NonceSource interface {
	Next() string
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// SecretHash is the hex MD5 of the upload password. Empty disables
	// authentication.
	SecretHash string

	// Nonces issues challenge nonces. Defaults to a digest.NonceSource
	// bound to Hostname.
	Nonces NonceSource

	// Hostname seeds the default nonce source.
	Hostname string

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Session is the handshake state machine. HandleDatagram performs no I/O:
// the caller sends the returned reply. A Session is not safe for concurrent
// use; the Server serializes access.
type Session struct {
	secret string
	nonces NonceSource
	log    logging.LeveledLogger

	state     State
	command   update.Command
	size      uint32
	digest    string
	nonce     string
	initiator net.Addr
	peer      *net.TCPAddr
}

// NewSession creates an idle session.
func NewSession(config SessionConfig) *Session {
	s := &Session{
		secret: config.SecretHash,
		nonces: config.Nonces,
	}
	if s.nonces == nil {
		s.nonces = digest.NewNonceSource(config.Hostname)
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("ota")
	}
	return s
}

// HandleDatagram advances the state machine with one datagram from addr and
// returns the reply to send, or nil. The error is non-nil only for a
// rejected challenge response; noise is dropped without one.
func (s *Session) HandleDatagram(data []byte, from net.Addr) ([]byte, error) {
	switch s.state {
	case StateIdle:
		return s.handleInvitation(data, from), nil
	case StateWaitingAuth:
		return s.handleAuth(data, from)
	default:
		// The driver owns the session until the transfer ends.
		return nil, nil
	}
}

func (s *Session) handleInvitation(data []byte, from net.Addr) []byte {
	msg, err := Parse(data)
	if err != nil {
		s.debugf("ignoring datagram from %v: %v", from, err)
		return nil
	}
	inv, ok := msg.(*Invitation)
	if !ok {
		s.debugf("ignoring %T from %v while idle", msg, from)
		return nil
	}
	if !inv.Command.IsValid() || inv.Port == 0 || inv.Size == 0 {
		s.debugf("ignoring invitation from %v: command %d port %d size %d", from, int(inv.Command), inv.Port, inv.Size)
		return nil
	}
	peer, err := transport.StreamAddr(from, inv.Port)
	if err != nil {
		s.debugf("ignoring invitation: %v", err)
		return nil
	}

	s.command = inv.Command
	s.size = inv.Size
	s.digest = inv.Digest
	s.initiator = from

	if s.secret == "" {
		s.arm(peer)
		return []byte(ReplyOK)
	}

	s.nonce = s.nonces.Next()
	s.peer = peer
	s.state = StateWaitingAuth
	if s.log != nil {
		s.log.Infof("challenging %s update from %v", s.command, from)
	}
	return []byte(authPrefix + s.nonce)
}

func (s *Session) handleAuth(data []byte, from net.Addr) ([]byte, error) {
	msg, err := Parse(data)
	resp, ok := msg.(*AuthResponse)
	if err != nil || !ok {
		s.debugf("expected auth response from %v, returning to idle", from)
		s.Reset()
		return nil, nil
	}

	if !digest.IsHexDigest(resp.ClientNonce, digest.HexSize) || !digest.IsHexDigest(resp.Response, digest.HexSize) {
		return s.rejectAuth(from, "auth param fail")
	}
	want := ChallengeResponse(s.secret, s.nonce, resp.ClientNonce)
	if !digest.EqualHex(want, resp.Response) {
		return s.rejectAuth(from, ReplyAuthFailed)
	}

	peer := s.peer
	if p, err := transport.StreamAddr(from, peer.AddrPort().Port()); err == nil {
		peer = p
	}
	s.nonce = ""
	s.initiator = from
	s.arm(peer)
	return []byte(ReplyOK), nil
}

func (s *Session) rejectAuth(from net.Addr, reason string) ([]byte, error) {
	if s.log != nil {
		s.log.Warnf("authentication from %v failed: %s", from, reason)
	}
	s.Reset()
	return []byte(ReplyAuthFailed), &Error{Kind: AuthError, Msg: reason}
}

func (s *Session) arm(peer *net.TCPAddr) {
	s.peer = peer
	s.state = StateRunningUpdate
	if s.log != nil {
		s.log.Infof("accepted %s update of %d bytes, md5 %s, bulk transfer from %s", s.command, s.size, s.digest, peer)
	}
}

// Reset returns the session to Idle and forgets the challenge.
func (s *Session) Reset() {
	s.state = StateIdle
	s.nonce = ""
	s.peer = nil
	s.initiator = nil
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Command returns the announced command.
func (s *Session) Command() update.Command { return s.command }

// Size returns the announced size.
func (s *Session) Size() uint32 { return s.size }

// Digest returns the announced MD5.
func (s *Session) Digest() string { return s.digest }

// Peer returns the uploader's bulk transfer address once armed.
func (s *Session) Peer() *net.TCPAddr { return s.peer }

// Initiator returns the datagram address of the uploader.
func (s *Session) Initiator() net.Addr { return s.initiator }

func (s *Session) debugf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Debugf(format, args...)
	}
}
