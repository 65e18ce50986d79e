package digest

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// NonceSource produces single-use authentication nonces.
//
// Each nonce is the hex MD5 of a strictly increasing high-resolution counter,
// fresh random bytes and the host name, so two nonces from the same source
// never repeat even if the random source is weak.
type NonceSource struct {
	hostname string
	epoch    time.Time

	mu   sync.Mutex
	last uint64
}

// NewNonceSource creates a nonce source bound to a host name.
func NewNonceSource(hostname string) *NonceSource {
	return &NonceSource{
		hostname: hostname,
		epoch:    time.Now(),
	}
}

// Next returns a fresh 32-hex nonce.
func (s *NonceSource) Next() string {
	s.mu.Lock()
	counter := uint64(time.Since(s.epoch).Nanoseconds())
	if counter <= s.last {
		counter = s.last + 1
	}
	s.last = counter
	s.mu.Unlock()

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], counter)
	// crypto/rand.Read does not fail on supported platforms.
	rand.Read(buf[8:])

	var b Builder
	b.Begin()
	b.Add(buf[:])
	b.AddString(s.hostname)
	b.Calculate()
	return b.String()
}
