//go:build unix

package framework

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// DeviceProcess manages the lifecycle of the otad binary for testing.
type DeviceProcess struct {
	binaryPath string
	port       int
	flashPath  string
	args       []string
	logFile    string

	cmd           *exec.Cmd
	started       bool
	mu            sync.Mutex
	stdout        *logWriter
	stderr        *logWriter
	logFileHandle *os.File
	done          chan struct{}
	ctx           context.Context
	cancelFunc    context.CancelFunc
}

// DeviceProcessConfig holds configuration for a device process.
type DeviceProcessConfig struct {
	// BinaryPath is the path to the daemon package (e.g., "cmd/otad")
	BinaryPath string

	// Port is the UDP port to listen on (default: 3232)
	Port int

	// FlashPath is the flash image file (required)
	FlashPath string

	// FlashSize is the image size, e.g. "4M" (default: the layout size)
	FlashSize string

	// Password protects uploads when set
	Password string

	// LogFile is an optional path to write logs to (in addition to test output)
	LogFile string

	// ExtraArgs are additional command-line arguments
	ExtraArgs []string
}

// NewDeviceProcess creates a new device process manager.
func NewDeviceProcess(config DeviceProcessConfig) *DeviceProcess {
	if config.Port == 0 {
		config.Port = 3232
	}

	args := []string{
		"run",
		"--bind", "127.0.0.1",
		"--port", strconv.Itoa(config.Port),
		"--flash", config.FlashPath,
		"--log-level", "debug",
	}
	if config.FlashSize != "" {
		args = append(args, "--flash-size", config.FlashSize)
	}
	if config.Password != "" {
		args = append(args, "--password", config.Password)
	}
	args = append(args, config.ExtraArgs...)

	ctx, cancel := context.WithCancel(context.Background())

	return &DeviceProcess{
		binaryPath: config.BinaryPath,
		port:       config.Port,
		flashPath:  config.FlashPath,
		args:       args,
		logFile:    config.LogFile,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start starts the daemon using `go run`.
func (d *DeviceProcess) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("device process already started")
	}

	absPath, err := filepath.Abs(d.binaryPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	binaryName := filepath.Base(d.binaryPath)

	cmdArgs := append([]string{"run", "."}, d.args...)
	d.cmd = exec.CommandContext(d.ctx, "go", cmdArgs...)
	d.cmd.Dir = absPath
	// go run does not forward signals; its own group lets Stop reach the daemon.
	d.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if d.logFile != "" {
		logFile, err := os.OpenFile(d.logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		d.logFileHandle = logFile
	}

	d.stdout = newLogWriter(fmt.Sprintf("[%s stdout]", binaryName), d.logFileHandle)
	d.stderr = newLogWriter(fmt.Sprintf("[%s stderr]", binaryName), d.logFileHandle)
	d.cmd.Stdout = d.stdout
	d.cmd.Stderr = d.stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	d.started = true

	go func() {
		defer close(d.done)
		d.cmd.Wait()
	}()

	// go run compiles first; give the daemon time to bind.
	time.Sleep(3 * time.Second)
	return nil
}

// Stop gracefully stops the device process.
func (d *DeviceProcess) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	// SIGTERM first so the daemon syncs the flash image.
	if d.cmd != nil && d.cmd.Process != nil {
		pgid := -d.cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			syscall.Kill(pgid, syscall.SIGKILL)
		}
	}

	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		syscall.Kill(-d.cmd.Process.Pid, syscall.SIGKILL)
		<-d.done
	}
	d.cancelFunc()

	if d.logFileHandle != nil {
		d.logFileHandle.Close()
		d.logFileHandle = nil
	}

	d.started = false
	return nil
}

// Port returns the UDP port the device is listening on.
func (d *DeviceProcess) Port() int {
	return d.port
}

// FlashPath returns the flash image the daemon writes.
func (d *DeviceProcess) FlashPath() string {
	return d.flashPath
}

// IsRunning returns true if the device process is currently running.
func (d *DeviceProcess) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// logWriter is a simple io.Writer that prefixes each line with a label.
// It writes to stdout and optionally to a file.
type logWriter struct {
	prefix  string
	logFile *os.File
	mu      sync.Mutex
}

func newLogWriter(prefix string, logFile *os.File) *logWriter {
	return &logWriter{
		prefix:  prefix,
		logFile: logFile,
	}
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fmt.Printf("%s %s", w.prefix, string(p))
	if w.logFile != nil {
		fmt.Fprintf(w.logFile, "%s %s", w.prefix, string(p))
	}
	return len(p), nil
}
