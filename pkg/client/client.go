// Package client implements the uploader side of the OTA protocol.
//
// The uploader listens on a TCP port, invites the device over UDP, answers
// an optional challenge and then streams the image once the device connects
// back, waiting for a cumulative acknowledgement after every chunk.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/ota"
	"github.com/backkem/espota/pkg/transport"
	"github.com/backkem/espota/pkg/update"
	"github.com/cenkalti/backoff/v4"
	"github.com/pion/logging"
)

// Defaults.
const (
	DefaultInvitationTries = 10
	DefaultReplyTimeout    = 10 * time.Second
	DefaultAuthTimeout     = 10 * time.Second
	DefaultAcceptTimeout   = 10 * time.Second
	DefaultAckTimeout      = 10 * time.Second
	DefaultResultTimeout   = 60 * time.Second
	DefaultChunkSize       = 1024

	replyQueue = 4
)

// Image is a firmware or filesystem image to upload.
type Image struct {
	// Name is the file name the image was read from. It seeds the client
	// nonce.
	Name    string
	Command update.Command
	Data    []byte
}

// LoadImage reads the image at path.
func LoadImage(path string, cmd update.Command) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, err
	}
	return Image{Name: path, Command: cmd, Data: data}, nil
}

// Config configures an Uploader.
type Config struct {
	// Remote is the device handshake address. Required.
	Remote *net.UDPAddr

	// PacketConn is an optional datagram socket. It is closed when the
	// upload ends. If nil, an ephemeral UDP socket is opened.
	PacketConn net.PacketConn

	// Listener is an optional bulk listener. If nil, one is opened on
	// ListenAddr.
	Listener net.Listener

	// ListenAddr is the bulk listen address (default ":0").
	ListenAddr string

	// Password answers the device challenge.
	Password string

	// InvitationTries bounds invitation attempts (default 10).
	InvitationTries int

	// ReplyTimeout is the wait for a reply to each invitation.
	ReplyTimeout time.Duration

	// RetryInterval is the initial pause between invitations. Zero retries
	// right away.
	RetryInterval time.Duration

	// AuthTimeout is the wait for the answer to the auth response.
	AuthTimeout time.Duration

	// AcceptTimeout is the wait for the device to connect back.
	AcceptTimeout time.Duration

	// AckTimeout is the wait for each chunk acknowledgement.
	AckTimeout time.Duration

	// ResultTimeout is the wait for the final verdict.
	ResultTimeout time.Duration

	// ChunkSize is the bulk write size (default 1024).
	ChunkSize int

	// OnProgress is called after every acknowledged chunk.
	OnProgress func(sent, total int)

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Remote == nil {
		return ErrNoRemote
	}
	if c.InvitationTries < 0 || c.ChunkSize < 0 {
		return fmt.Errorf("client: negative tries or chunk size")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.InvitationTries == 0 {
		c.InvitationTries = DefaultInvitationTries
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.AcceptTimeout == 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ResultTimeout == 0 {
		c.ResultTimeout = DefaultResultTimeout
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
}

// Result describes a completed upload.
type Result struct {
	Size          int
	Digest        string
	Authenticated bool
	Invitations   int
	Elapsed       time.Duration
}

// Uploader pushes images to one device.
type Uploader struct {
	config Config
	log    logging.LeveledLogger
}

// New creates an Uploader.
func New(config Config) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	u := &Uploader{config: config}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("client")
	}
	return u, nil
}

// Upload runs one complete upload of img.
func (u *Uploader) Upload(ctx context.Context, img Image) (*Result, error) {
	if len(img.Data) == 0 {
		return nil, ErrEmptyImage
	}
	if uint64(len(img.Data)) >= math.MaxUint32 {
		return nil, ErrImageTooLarge
	}
	start := time.Now()

	listener, err := transport.NewStreamListener(transport.StreamConfig{
		Listener:      u.config.Listener,
		ListenAddr:    u.config.ListenAddr,
		LoggerFactory: u.config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("client: listen: %w", err)
	}
	defer listener.Close()

	replies := make(chan *transport.Datagram, replyQueue)
	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:       u.config.PacketConn,
		ListenAddr: ":0",
		DatagramHandler: func(d *transport.Datagram) {
			select {
			case replies <- d:
			default:
			}
		},
		LoggerFactory: u.config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("client: open socket: %w", err)
	}
	if err := udp.Start(); err != nil {
		return nil, err
	}
	defer udp.Stop()

	var b digest.Builder
	b.Begin()
	b.Add(img.Data)
	b.Calculate()
	sum := b.String()

	inv := &ota.Invitation{
		Command: img.Command,
		Port:    listener.Port(),
		Size:    uint32(len(img.Data)),
		Digest:  sum,
	}
	if u.log != nil {
		u.log.Infof("inviting %s: %s of %d bytes, stream port %d", u.config.Remote, img.Command, inv.Size, inv.Port)
	}

	res := &Result{Size: len(img.Data), Digest: sum}
	reply, err := u.invite(ctx, udp, replies, inv.Marshal(), res)
	if err != nil {
		return nil, err
	}

	switch reply.Kind {
	case ota.ReplyKindOK:
	case ota.ReplyKindAuth:
		if err := u.authenticate(ctx, udp, replies, img, sum, reply.Nonce); err != nil {
			return nil, err
		}
		res.Authenticated = true
	default:
		return nil, &RejectedError{Stage: "invitation", Text: reply.Text}
	}

	if u.log != nil {
		u.log.Debug("waiting for device")
	}
	conn, err := listener.Accept(ctx, u.config.AcceptTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConnection, err)
	}
	defer conn.Close()

	if err := u.stream(conn, img.Data); err != nil {
		return nil, err
	}

	res.Elapsed = time.Since(start)
	if u.log != nil {
		u.log.Infof("upload of %d bytes done in %v", res.Size, res.Elapsed.Round(time.Millisecond))
	}
	return res, nil
}

// errNoReply marks an unanswered invitation as retryable.
var errNoReply = errors.New("client: no reply")

func (u *Uploader) invite(ctx context.Context, udp *transport.UDP, replies <-chan *transport.Datagram, msg []byte, res *Result) (ota.Reply, error) {
	var reply ota.Reply

	op := func() error {
		res.Invitations++
		drain(replies)
		if err := udp.Send(msg, u.config.Remote); err != nil {
			return backoff.Permanent(fmt.Errorf("client: send invitation to %s: %w", u.config.Remote, err))
		}
		d, err := await(ctx, replies, u.config.ReplyTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		reply = ota.ParseReply(d.Data)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.config.RetryInterval
	bo.MaxElapsedTime = 0
	if bo.InitialInterval == 0 {
		bo.InitialInterval = time.Nanosecond
		bo.Multiplier = 1
		bo.RandomizationFactor = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(u.config.InvitationTries-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		if u.log != nil {
			u.log.Debugf("invitation %d unanswered, retrying in %v", res.Invitations, next)
		}
	})
	if errors.Is(err, errNoReply) {
		return reply, ErrNoResponse
	}
	return reply, err
}

func (u *Uploader) authenticate(ctx context.Context, udp *transport.UDP, replies <-chan *transport.Datagram, img Image, sum, nonce string) error {
	if u.config.Password == "" {
		return ErrPasswordRequired
	}
	if u.log != nil {
		u.log.Debug("authenticating")
	}

	cnonce := digest.HexMD5(fmt.Sprintf("%s%d%s%s", img.Name, len(img.Data), sum, u.config.Remote.IP))
	msg := &ota.AuthResponse{
		ClientNonce: cnonce,
		Response:    ota.ChallengeResponse(ota.HashPassword(u.config.Password), nonce, cnonce),
	}

	drain(replies)
	if err := udp.Send(msg.Marshal(), u.config.Remote); err != nil {
		return fmt.Errorf("client: send auth response: %w", err)
	}
	d, err := await(ctx, replies, u.config.AuthTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrNoAuthAnswer
	}
	if reply := ota.ParseReply(d.Data); reply.Kind != ota.ReplyKindOK {
		return &RejectedError{Stage: "authentication", Text: reply.Text}
	}
	return nil
}

// stream writes data in chunks and waits for the device verdict.
func (u *Uploader) stream(conn net.Conn, data []byte) error {
	r := bufio.NewReader(conn)
	for off := 0; off < len(data); {
		n := min(u.config.ChunkSize, len(data)-off)
		conn.SetWriteDeadline(time.Now().Add(u.config.AckTimeout))
		if _, err := conn.Write(data[off : off+n]); err != nil {
			return fmt.Errorf("%w: %v", ErrTransfer, err)
		}
		off += n

		done, err := u.awaitAck(conn, r, off)
		if err != nil {
			return err
		}
		if u.config.OnProgress != nil {
			u.config.OnProgress(off, len(data))
		}
		if done {
			return nil
		}
	}

	if u.log != nil {
		u.log.Debug("waiting for result")
	}
	_, err := u.readUntil(conn, r, u.config.ResultTimeout, func(int) bool { return false })
	return err
}

// awaitAck reads lines until the device acknowledges off bytes. It reports
// true when the device already sent its final OK.
func (u *Uploader) awaitAck(conn net.Conn, r *bufio.Reader, off int) (bool, error) {
	return u.readUntil(conn, r, u.config.AckTimeout, func(n int) bool { return n >= off })
}

// readUntil consumes device lines. An acknowledgement satisfying enough
// returns (false, nil); OK returns (true, nil); any other text fails.
func (u *Uploader) readUntil(conn net.Conn, r *bufio.Reader, timeout time.Duration, enough func(int) bool) (bool, error) {
	for {
		conn.SetReadDeadline(time.Now().Add(timeout))
		line, err := r.ReadString('\n')
		text := strings.TrimSpace(line)
		if err != nil && text == "" {
			if err == io.EOF {
				return false, fmt.Errorf("%w: connection closed by device", ErrTransfer)
			}
			return false, fmt.Errorf("%w: %v", ErrTransfer, err)
		}
		if text == "" {
			continue
		}
		if text == ota.ReplyOK {
			return true, nil
		}
		n, perr := strconv.Atoi(text)
		if perr != nil {
			return false, &RejectedError{Stage: "transfer", Text: text}
		}
		if u.log != nil {
			u.log.Tracef("ack %d", n)
		}
		if enough(n) {
			return false, nil
		}
	}
}

func await(ctx context.Context, replies <-chan *transport.Datagram, timeout time.Duration) (*transport.Datagram, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-replies:
		return d, nil
	case <-timer.C:
		return nil, errNoReply
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func drain(replies <-chan *transport.Datagram) {
	for {
		select {
		case <-replies:
		default:
			return
		}
	}
}
