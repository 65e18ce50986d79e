package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation on a Pipe.
type NetworkCondition struct {
	// DropRate is the probability of dropping a datagram (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay added to each datagram.
	DelayMin time.Duration

	// DelayMax is the maximum delay. The actual delay is uniform in
	// [DelayMin, DelayMax).
	DelayMax time.Duration

	// DuplicateRate is the probability of delivering a datagram twice.
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables delivery in a background goroutine.
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers.
	// Default: 1ms
	ProcessInterval time.Duration

	// Addr0 and Addr1 are the addresses reported for each endpoint. They
	// default to PipeAddr values. Use *net.UDPAddr values when the receiver
	// derives a stream address from the sender.
	Addr0, Addr1 net.Addr

	// Seed seeds the condition RNG. Zero uses the clock.
	Seed int64
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: time.Millisecond,
	}
}

// Pipe is an in-memory datagram link between two endpoints built on pion's
// test.Bridge, with optional loss, delay and duplication.
type Pipe struct {
	bridge *test.Bridge
	conns  [2]*PipePacketConn

	mu        sync.Mutex
	condition NetworkCondition
	rng       *rand.Rand
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	auto   bool
}

// NewPipe creates a pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Pipe{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(seed)),
		stopCh: make(chan struct{}),
		auto:   config.AutoProcess,
	}

	addrs := [2]net.Addr{config.Addr0, config.Addr1}
	for i := range addrs {
		if addrs[i] == nil {
			addrs[i] = PipeAddr{ID: i, Port: DefaultPort}
		}
	}
	p.conns[0] = &PipePacketConn{conn: p.bridge.GetConn0(), local: addrs[0], peer: addrs[1], pipe: p}
	p.conns[1] = &PipePacketConn{conn: p.bridge.GetConn1(), local: addrs[1], peer: addrs[0], pipe: p}

	if p.auto {
		interval := config.ProcessInterval
		if interval == 0 {
			interval = time.Millisecond
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stopCh:
					return
				case <-ticker.C:
					p.bridge.Tick()
				}
			}
		}()
	}
	return p
}

// PacketConns returns the two endpoints.
func (p *Pipe) PacketConns() (*PipePacketConn, *PipePacketConn) {
	return p.conns[0], p.conns[1]
}

// SetCondition configures network condition simulation for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.condition
}

// Tick delivers at most one datagram in each direction.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers every queued datagram.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close closes both endpoints and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.auto {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// verdict draws the fate of one datagram.
func (p *Pipe) verdict() (drop bool, delay time.Duration, dup bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.condition
	if c.DropRate > 0 && p.rng.Float64() < c.DropRate {
		return true, 0, false
	}
	delay = c.DelayMin
	if c.DelayMax > c.DelayMin {
		delay += time.Duration(p.rng.Int63n(int64(c.DelayMax - c.DelayMin)))
	}
	dup = c.DuplicateRate > 0 && p.rng.Float64() < c.DuplicateRate
	return false, delay, dup
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int
	Port int
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns "pipe:<id>:<port>".
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipePacketConn is one end of a Pipe as a net.PacketConn. WriteTo ignores
// its address argument: a pipe has a single peer.
type PipePacketConn struct {
	conn  net.Conn
	local net.Addr
	peer  net.Addr
	pipe  *Pipe
}

// ReadFrom reads a datagram; the address is always the peer's.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peer, err
}

// WriteTo sends a datagram subject to the pipe's network condition.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	drop, delay, dup := c.pipe.verdict()
	if drop {
		return len(b), nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if dup {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

// Close closes this endpoint.
func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the address reported for this endpoint.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return c.local
}

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

var _ net.PacketConn = (*PipePacketConn)(nil)
