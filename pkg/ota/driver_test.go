package ota

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/flash"
	"github.com/backkem/espota/pkg/partition"
	"github.com/backkem/espota/pkg/update"
	"github.com/google/go-cmp/cmp"
	"github.com/pion/transport/v3/test"
)

const testWait = 5 * time.Second

func testLayout() []partition.Partition {
	return []partition.Partition{
		{Label: "otadata", Type: partition.TypeData, SubType: partition.SubTypeOTAData, Offset: 0x0000, Size: 0x2000},
		{Label: "factory", Type: partition.TypeApp, SubType: partition.SubTypeFactory, Offset: 0x2000, Size: 0x2000},
		{Label: "app0", Type: partition.TypeApp, SubType: partition.OTASubType(0), Offset: 0x4000, Size: 0x4000},
		{Label: "app1", Type: partition.TypeApp, SubType: partition.OTASubType(1), Offset: 0x8000, Size: 0x4000},
		{Label: "spiffs", Type: partition.TypeData, SubType: partition.SubTypeSPIFFS, Offset: 0xC000, Size: 0x4000},
	}
}

type fixture struct {
	dev     *flash.MemDevice
	table   *partition.Table
	updater *update.Updater
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := flash.NewMemDevice(0x10000)
	tbl, err := partition.Open(partition.Config{Device: dev, Partitions: testLayout()})
	if err != nil {
		t.Fatalf("partition.Open() error = %v", err)
	}
	u, err := update.New(update.Config{Table: tbl})
	if err != nil {
		t.Fatalf("update.New() error = %v", err)
	}
	return &fixture{dev: dev, table: tbl, updater: u}
}

func (f *fixture) contents(t *testing.T, label string, n int) []byte {
	t.Helper()
	p, err := f.table.ByLabel(label)
	if err != nil {
		t.Fatalf("ByLabel(%s) error = %v", label, err)
	}
	out := make([]byte, n)
	if err := f.table.Read(p, 0, out); err != nil {
		t.Fatalf("Read(%s) error = %v", label, err)
	}
	return out
}

func (f *fixture) boot(t *testing.T) string {
	t.Helper()
	p, err := f.table.Boot()
	if err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	return p.Label
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 3)
	}
	img[0] = partition.ImageMagic
	return img
}

// recorder captures Events.
type recorder struct {
	mu       sync.Mutex
	starts   []update.Command
	progress []uint32
	ends     int
	errs     []*Error
}

func (r *recorder) OnStart(cmd update.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, cmd)
}

func (r *recorder) OnProgress(done, total uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, done)
}

func (r *recorder) OnEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
}

func (r *recorder) OnError(err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// bulkListener stands in for the uploader's TCP side.
func bulkListener(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func accept(t *testing.T, ln *net.TCPListener) (net.Conn, *bufio.Reader) {
	t.Helper()
	ln.SetDeadline(time.Now().Add(testWait))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(testWait))
	return conn, bufio.NewReader(conn)
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v, want %q", err, want)
	}
	if got := strings.TrimSuffix(line, "\n"); got != want {
		t.Fatalf("line = %q, want %q", got, want)
	}
}

func armed(t *testing.T, cmd update.Command, ln *net.TCPListener, size uint32, sum string) *Session {
	t.Helper()
	s := NewSession(SessionConfig{})
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	inv := &Invitation{Command: cmd, Port: port, Size: size, Digest: sum}
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	if reply, _ := s.HandleDatagram(inv.Marshal(), from); string(reply) != ReplyOK {
		t.Fatalf("invitation reply = %q", reply)
	}
	return s
}

func newDriver(t *testing.T, f *fixture, cfg DriverConfig) *Driver {
	t.Helper()
	cfg.Updater = f.updater
	d, err := NewDriver(cfg)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	return d
}

func runDriver(d *Driver, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), s) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testWait):
		t.Fatal("driver did not finish")
		return nil
	}
}

func TestDriverTransfer(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	f := newFixture(t)
	img := testImage(1024)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, uint32(len(img)), digest.HexMD5(string(img)))
	rec := &recorder{}
	done := runDriver(newDriver(t, f, DriverConfig{Events: rec}), s)

	conn, r := accept(t, ln)
	off := 0
	for _, step := range []struct {
		n   int
		ack string
	}{{500, "500"}, {500, "1000"}, {24, "1024"}} {
		if _, err := conn.Write(img[off : off+step.n]); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		off += step.n
		expectLine(t, r, step.ack)
	}
	expectLine(t, r, ReplyOK)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want Idle", s.State())
	}
	if !bytes.Equal(f.contents(t, "app0", len(img)), img) {
		t.Error("app0 does not hold the image")
	}
	if got := f.boot(t); got != "app0" {
		t.Errorf("boot = %s, want app0", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff([]update.Command{update.CommandFlash}, rec.starts); diff != "" {
		t.Errorf("starts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0, 500, 1000, 1024}, rec.progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	if rec.ends != 1 || len(rec.errs) != 0 {
		t.Errorf("ends = %d errs = %v", rec.ends, rec.errs)
	}
}

func TestDriverFilesystem(t *testing.T) {
	f := newFixture(t)
	img := bytes.Repeat([]byte("fs"), 3000)
	ln := bulkListener(t)
	s := armed(t, update.CommandFilesystem, ln, uint32(len(img)), digest.HexMD5(string(img)))
	done := runDriver(newDriver(t, f, DriverConfig{}), s)

	conn, r := accept(t, ln)
	go conn.Write(img)
	var last string
	for last != ReplyOK {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error = %v", err)
		}
		last = strings.TrimSpace(line)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(f.contents(t, "spiffs", len(img)), img) {
		t.Error("spiffs does not hold the image")
	}
	if got := f.boot(t); got != "factory" {
		t.Errorf("boot = %s, want factory", got)
	}
}

func TestDriverUnknownSize(t *testing.T) {
	f := newFixture(t)
	img := testImage(2048)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, update.SizeUnknown, digest.HexMD5(string(img)))
	done := runDriver(newDriver(t, f, DriverConfig{}), s)

	conn, r := accept(t, ln)
	if _, err := conn.Write(img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	var last string
	for last != ReplyOK {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error = %v after %q", err, last)
		}
		last = strings.TrimSpace(line)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.boot(t); got != "app0" {
		t.Errorf("boot = %s, want app0", got)
	}
}

func TestDriverStall(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	f := newFixture(t)
	img := testImage(1024)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, uint32(len(img)), digest.HexMD5(string(img)))
	rec := &recorder{}
	done := runDriver(newDriver(t, f, DriverConfig{Events: rec, Timeout: 50 * time.Millisecond}), s)

	conn, r := accept(t, ln)
	if _, err := conn.Write(img[:500]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	expectLine(t, r, "500")
	for i := 0; i < maxStallRetries; i++ {
		expectLine(t, r, "500")
	}
	expectLine(t, r, "Receive timeout")

	err := waitDone(t, done)
	if kind, ok := KindOf(err); !ok || kind != ReceiveError {
		t.Fatalf("Run() error = %v, want ReceiveError", err)
	}
	if f.updater.IsRunning() {
		t.Error("updater still running")
	}
	if got := f.boot(t); got != "factory" {
		t.Errorf("boot = %s, want factory", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || rec.errs[0].Kind != ReceiveError || rec.ends != 0 {
		t.Errorf("errs = %v ends = %d", rec.errs, rec.ends)
	}
}

func TestDriverStallResumes(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, uint32(len(img)), digest.HexMD5(string(img)))
	done := runDriver(newDriver(t, f, DriverConfig{Timeout: 50 * time.Millisecond}), s)

	conn, r := accept(t, ln)
	conn.Write(img[:500])
	expectLine(t, r, "500")
	// One re-sent acknowledgement, then the rest arrives.
	expectLine(t, r, "500")
	conn.Write(img[500:])
	expectLine(t, r, "1024")
	expectLine(t, r, ReplyOK)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestDriverNoData(t *testing.T) {
	f := newFixture(t)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, 1024, testDigest)
	done := runDriver(newDriver(t, f, DriverConfig{Timeout: 50 * time.Millisecond}), s)

	_, r := accept(t, ln)
	expectLine(t, r, "Receive timeout")

	err := waitDone(t, done)
	if kind, ok := KindOf(err); !ok || kind != ReceiveError {
		t.Fatalf("Run() error = %v, want ReceiveError", err)
	}
}

func TestDriverEarlyClose(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, uint32(len(img)), digest.HexMD5(string(img)))
	done := runDriver(newDriver(t, f, DriverConfig{}), s)

	conn, r := accept(t, ln)
	conn.Write(img[:500])
	expectLine(t, r, "500")
	conn.(*net.TCPConn).CloseWrite()
	expectLine(t, r, update.KindSize.String())

	err := waitDone(t, done)
	if kind, ok := KindOf(err); !ok || kind != EndError {
		t.Fatalf("Run() error = %v, want EndError", err)
	}
	if !errors.Is(err, update.ErrSize) {
		t.Errorf("Run() error = %v, want update.ErrSize cause", err)
	}
}

func TestDriverDigestMismatch(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, uint32(len(img)), testDigest)
	done := runDriver(newDriver(t, f, DriverConfig{}), s)

	conn, r := accept(t, ln)
	conn.Write(img)
	expectLine(t, r, "1024")
	expectLine(t, r, update.KindDigest.String())

	if err := waitDone(t, done); !errors.Is(err, update.ErrDigest) {
		t.Fatalf("Run() error = %v, want update.ErrDigest", err)
	}
	if got := f.boot(t); got != "factory" {
		t.Errorf("boot = %s, want factory", got)
	}
}

func TestDriverNotApproved(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, uint32(len(img)), digest.HexMD5(string(img)))
	rec := &recorder{}
	asked := 0
	done := runDriver(newDriver(t, f, DriverConfig{
		Events:        rec,
		ApproveReboot: func() bool { asked++; return false },
	}), s)

	conn, r := accept(t, ln)
	conn.Write(img)
	expectLine(t, r, "1024")
	expectLine(t, r, ReplyNoApproval)

	if err := waitDone(t, done); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("Run() error = %v, want ErrNotApproved", err)
	}
	if asked != 1 {
		t.Errorf("ApproveReboot called %d times", asked)
	}
	if got := f.boot(t); got != "factory" {
		t.Errorf("boot = %s, want factory", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 || rec.ends != 0 {
		t.Errorf("errs = %v ends = %d, want no events", rec.errs, rec.ends)
	}
}

func TestDriverReboot(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, uint32(len(img)), digest.HexMD5(string(img)))
	restarted := make(chan struct{}, 1)
	done := runDriver(newDriver(t, f, DriverConfig{
		RebootOnSuccess: true,
		RebootDelay:     time.Millisecond,
		Rebooter:        RebootFunc(func() error { restarted <- struct{}{}; return nil }),
	}), s)

	conn, r := accept(t, ln)
	conn.Write(img)
	expectLine(t, r, "1024")
	expectLine(t, r, ReplyOK)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case <-restarted:
	default:
		t.Fatal("Restart() not called")
	}
}

func TestDriverBeginError(t *testing.T) {
	f := newFixture(t)
	ln := bulkListener(t)
	// Larger than any OTA slot.
	s := armed(t, update.CommandFlash, ln, 0x8000, testDigest)
	initiator := s.Initiator()

	type sent struct {
		data string
		to   net.Addr
	}
	var replies []sent
	rec := &recorder{}
	d := newDriver(t, f, DriverConfig{
		Events: rec,
		Reply: func(data []byte, to net.Addr) error {
			replies = append(replies, sent{string(data), to})
			return nil
		},
	})

	err := d.Run(context.Background(), s)
	if kind, ok := KindOf(err); !ok || kind != BeginError {
		t.Fatalf("Run() error = %v, want BeginError", err)
	}
	want := "Begin ERROR: " + update.KindSpace.String()
	if len(replies) != 1 || replies[0].data != want || replies[0].to != initiator {
		t.Errorf("replies = %v, want %q to %v", replies, want, initiator)
	}
	if len(rec.starts) != 0 || len(rec.errs) != 1 {
		t.Errorf("starts = %v errs = %v", rec.starts, rec.errs)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want Idle", s.State())
	}
}

func TestDriverConnectError(t *testing.T) {
	f := newFixture(t)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, 1024, testDigest)

	var reply string
	dialErr := errors.New("unreachable")
	d := newDriver(t, f, DriverConfig{
		Dial: func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
			return nil, dialErr
		},
		Reply: func(data []byte, to net.Addr) error {
			reply = string(data)
			return nil
		},
	})

	err := d.Run(context.Background(), s)
	if kind, ok := KindOf(err); !ok || kind != ConnectError {
		t.Fatalf("Run() error = %v, want ConnectError", err)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("Run() error = %v, want wrapped dial error", err)
	}
	if !strings.HasPrefix(reply, "Connect ERROR") {
		t.Errorf("reply = %q", reply)
	}
	if f.updater.IsRunning() {
		t.Error("updater still running")
	}
}

// noDeadlineConn cannot arm read timeouts.
type noDeadlineConn struct {
	net.Conn
	err error
}

func (c *noDeadlineConn) SetReadDeadline(time.Time) error { return c.err }

func TestDriverReadDeadlineError(t *testing.T) {
	f := newFixture(t)
	ln := bulkListener(t)
	s := armed(t, update.CommandFlash, ln, 1024, testDigest)

	deadlineErr := errors.New("deadline not supported")
	d := newDriver(t, f, DriverConfig{
		Dial: func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
			conn, err := net.DialTCP("tcp", nil, addr)
			if err != nil {
				return nil, err
			}
			return &noDeadlineConn{Conn: conn, err: deadlineErr}, nil
		},
	})
	done := runDriver(d, s)
	_, r := accept(t, ln)

	err := waitDone(t, done)
	if kind, ok := KindOf(err); !ok || kind != ReceiveError {
		t.Fatalf("Run() error = %v, want ReceiveError", err)
	}
	if !errors.Is(err, deadlineErr) {
		t.Errorf("Run() error = %v, want wrapped deadline error", err)
	}
	expectLine(t, r, "Receive error")
	if f.updater.IsRunning() {
		t.Error("updater still running")
	}
}

func TestDriverNotArmed(t *testing.T) {
	f := newFixture(t)
	d := newDriver(t, f, DriverConfig{})
	if err := d.Run(context.Background(), NewSession(SessionConfig{})); err != ErrNotArmed {
		t.Fatalf("Run() error = %v, want %v", err, ErrNotArmed)
	}
	if _, err := NewDriver(DriverConfig{}); err != ErrNoUpdater {
		t.Fatalf("NewDriver() error = %v, want %v", err, ErrNoUpdater)
	}
}
