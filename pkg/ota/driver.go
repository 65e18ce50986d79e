package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/backkem/espota/pkg/transport"
	"github.com/backkem/espota/pkg/update"
	"github.com/pion/logging"
)

const (
	// DefaultTimeout is the per-read stall timeout of the bulk transfer.
	DefaultTimeout = 1000 * time.Millisecond

	// DefaultRebootDelay lets acks and logs drain before a restart.
	DefaultRebootDelay = 100 * time.Millisecond

	// DefaultDialTimeout bounds the connection to the uploader.
	DefaultDialTimeout = 5 * time.Second

	// MaxChunk is the largest read, one TCP segment.
	MaxChunk = 1460

	// maxStallRetries is the number of progress re-sends before a stalled
	// transfer fails.
	maxStallRetries = 3
)

// Rebooter restarts the device after a successful update.
type Rebooter interface {
	Restart() error
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func() error

// Restart implements Rebooter.
func (f RebootFunc) Restart() error { return f() }

// DialFunc opens the bulk transfer connection.
type DialFunc func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error)

// ReplyFunc sends a datagram to the uploader.
type ReplyFunc func(data []byte, to net.Addr) error

// DriverConfig configures a Driver.
type DriverConfig struct {
	// Updater writes the image. Required.
	Updater *update.Updater

	// Label selects the target partition; empty picks the default.
	Label string

	// Timeout is the stall timeout per read. Defaults to DefaultTimeout.
	Timeout time.Duration

	// ApproveReboot, if set, is asked before activation. Returning false
	// abandons the image.
	ApproveReboot func() bool

	// RebootOnSuccess restarts the device through Rebooter after
	// RebootDelay.
	RebootOnSuccess bool
	Rebooter        Rebooter
	RebootDelay     time.Duration

	// Events receives lifecycle notifications.
	Events Events

	// Dial opens the bulk connection. Defaults to a TCP dial bounded by
	// DefaultDialTimeout.
	Dial DialFunc

	// Reply sends begin and connect failures to the uploader by datagram.
	Reply ReplyFunc

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Driver pumps the bulk transfer of an armed Session into the Updater.
type Driver struct {
	updater     *update.Updater
	label       string
	timeout     time.Duration
	approve     func() bool
	reboot      bool
	rebooter    Rebooter
	rebootDelay time.Duration
	events      Events
	dial        DialFunc
	reply       ReplyFunc
	log         logging.LeveledLogger
}

// NewDriver creates a Driver.
func NewDriver(config DriverConfig) (*Driver, error) {
	if config.Updater == nil {
		return nil, ErrNoUpdater
	}
	d := &Driver{
		updater:     config.Updater,
		label:       config.Label,
		timeout:     config.Timeout,
		approve:     config.ApproveReboot,
		reboot:      config.RebootOnSuccess,
		rebooter:    config.Rebooter,
		rebootDelay: config.RebootDelay,
		events:      config.Events,
		dial:        config.Dial,
		reply:       config.Reply,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.rebootDelay <= 0 {
		d.rebootDelay = DefaultRebootDelay
	}
	if d.events == nil {
		d.events = nopEvents{}
	}
	if d.dial == nil {
		d.dial = func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
			return transport.DialStream(ctx, addr, DefaultDialTimeout)
		}
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("ota-driver")
	}
	return d, nil
}

// Run performs the transfer for s, which must be armed. It blocks until the
// transfer ends and always leaves s idle. The returned error is an *Error
// for every failure reported through Events.
func (d *Driver) Run(ctx context.Context, s *Session) error {
	if s.State() != StateRunningUpdate {
		return ErrNotArmed
	}
	defer s.Reset()

	cmd, size, initiator := s.Command(), s.Size(), s.Initiator()

	if err := d.updater.Begin(size, cmd, d.label); err != nil {
		return d.failDatagram(initiator, &Error{Kind: BeginError, Msg: "Begin ERROR: " + update.KindOf(err).String(), Err: err})
	}
	if err := d.updater.SetExpectedDigest(s.Digest()); err != nil {
		d.updater.Abort()
		return d.failDatagram(initiator, &Error{Kind: BeginError, Msg: "Begin ERROR: " + update.KindOf(err).String(), Err: err})
	}
	d.events.OnStart(cmd)
	d.events.OnProgress(0, size)

	conn, err := d.dial(ctx, s.Peer())
	if err != nil {
		d.updater.Abort()
		return d.failDatagram(initiator, &Error{Kind: ConnectError, Msg: fmt.Sprintf("Connect ERROR: %s", s.Peer()), Err: err})
	}
	defer conn.Close()
	if d.log != nil {
		d.log.Infof("receiving %s image from %s", cmd, conn.RemoteAddr())
	}

	if e := d.receive(ctx, conn, size); e != nil {
		d.updater.Abort()
		return d.failStream(conn, e)
	}

	if d.approve != nil && !d.approve() {
		d.updater.Abort()
		d.send(conn, ReplyNoApproval)
		if d.log != nil {
			d.log.Warn("activation not approved by current firmware")
		}
		return ErrNotApproved
	}

	if err := d.updater.End(size == update.SizeUnknown); err != nil {
		d.updater.Abort()
		return d.failStream(conn, &Error{Kind: EndError, Msg: update.KindOf(err).String(), Err: err})
	}

	d.send(conn, ReplyOK)
	conn.Close()
	d.events.OnEnd()
	if d.log != nil {
		d.log.Infof("update complete, md5 %s", d.updater.Digest())
	}

	if !d.reboot || d.rebooter == nil {
		return nil
	}
	select {
	case <-time.After(d.rebootDelay):
	case <-ctx.Done():
		return nil
	}
	if err := d.rebooter.Restart(); err != nil {
		if d.log != nil {
			d.log.Errorf("restart failed: %v", err)
		}
		return err
	}
	return nil
}

// receive reads until the image is complete or the uploader closes.
func (d *Driver) receive(ctx context.Context, conn net.Conn, size uint32) *Error {
	buf := make([]byte, MaxChunk)
	var total uint32
	stalls := 0

	for !d.updater.IsFinished() {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: ReceiveError, Msg: "Receive cancelled", Err: err}
		}

		if err := conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return &Error{Kind: ReceiveError, Msg: "Receive error", Err: err}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			stalls = 0
			if _, werr := d.updater.Write(buf[:n]); werr != nil {
				return &Error{Kind: ReceiveError, Msg: "Firmware Write error: " + update.KindOf(werr).String(), Err: werr}
			}
			total += uint32(n)
			d.events.OnProgress(total, size)
			if werr := d.ack(conn, total); werr != nil {
				return &Error{Kind: ReceiveError, Msg: "failed to return bytes written", Err: werr}
			}
		}

		switch {
		case err == nil || n > 0 && transport.IsTimeout(err):
		case transport.IsTimeout(err):
			if total == 0 {
				return &Error{Kind: ReceiveError, Msg: "Receive timeout", Err: err}
			}
			stalls++
			if stalls > maxStallRetries {
				return &Error{Kind: ReceiveError, Msg: "Receive timeout", Err: err}
			}
			if d.log != nil {
				d.log.Debugf("stalled at %d bytes, retry %d", total, stalls)
			}
			if werr := d.ack(conn, total); werr != nil {
				return &Error{Kind: ReceiveError, Msg: "failed to return bytes written", Err: werr}
			}
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			if d.log != nil {
				d.log.Debugf("uploader closed after %d bytes", total)
			}
			return nil
		default:
			return &Error{Kind: ReceiveError, Msg: "Receive error", Err: err}
		}
	}
	return nil
}

// ack sends the cumulative byte count.
func (d *Driver) ack(conn net.Conn, total uint32) error {
	if err := conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return err
	}
	_, err := conn.Write(append(strconv.AppendUint(nil, uint64(total), 10), '\n'))
	return err
}

func (d *Driver) send(conn net.Conn, text string) {
	if err := conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		if d.log != nil {
			d.log.Debugf("final reply not delivered: %v", err)
		}
		return
	}
	if _, err := conn.Write([]byte(text + "\n")); err != nil && d.log != nil {
		d.log.Debugf("final reply not delivered: %v", err)
	}
}

func (d *Driver) failStream(conn net.Conn, e *Error) error {
	d.send(conn, e.Msg)
	return d.report(e)
}

func (d *Driver) failDatagram(to net.Addr, e *Error) error {
	if d.reply != nil && to != nil {
		if err := d.reply([]byte(e.Msg), to); err != nil && d.log != nil {
			d.log.Debugf("error reply not delivered: %v", err)
		}
	}
	return d.report(e)
}

func (d *Driver) report(e *Error) error {
	if d.log != nil {
		d.log.Errorf("%v", e)
	}
	d.events.OnError(e)
	return e
}
