// Package framework provides test infrastructure for OTA interop tests.
package framework

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"
)

// Espota wraps the Arduino espota.py uploader for interop testing.
type Espota struct {
	t              *testing.T
	python         string
	script         string
	defaultTimeout time.Duration
	logFile        *os.File
}

// espotaLogWriter wraps t.Logf for real-time uploader output
type espotaLogWriter struct {
	t       *testing.T
	prefix  string
	logFile *os.File
}

func (lw *espotaLogWriter) Write(p []byte) (n int, err error) {
	lw.t.Logf("%s%s", lw.prefix, string(p))
	if lw.logFile != nil {
		lw.logFile.Write([]byte(lw.prefix))
		lw.logFile.Write(p)
	}
	return len(p), nil
}

// EspotaConfig holds configuration for espota.py.
type EspotaConfig struct {
	// Script is the path to espota.py (default: $ESPOTA_PY, then PATH)
	Script string

	// Python is the interpreter (default: "python3")
	Python string

	// DefaultTimeout is the default timeout for uploads (default: 120s)
	DefaultTimeout time.Duration

	// LogFile is an optional path to write uploader logs to
	LogFile string
}

// FindEspota returns the espota.py path from $ESPOTA_PY or PATH, or "".
func FindEspota() string {
	if p := os.Getenv("ESPOTA_PY"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath("espota.py"); err == nil {
		return p
	}
	return ""
}

// NewEspota creates a new espota.py wrapper for testing.
func NewEspota(t *testing.T, config EspotaConfig) *Espota {
	if config.Script == "" {
		config.Script = FindEspota()
	}
	if config.Python == "" {
		config.Python = "python3"
	}
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = 120 * time.Second
	}

	e := &Espota{
		t:              t,
		python:         config.Python,
		script:         config.Script,
		defaultTimeout: config.DefaultTimeout,
	}
	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			t.Logf("Warning: Failed to open espota log file %s: %v", config.LogFile, err)
		} else {
			e.logFile = f
		}
	}
	return e
}

// UploadOptions selects what espota.py sends.
type UploadOptions struct {
	Host     string
	Port     int
	HostPort int
	Password string
	File     string
	Spiffs   bool
}

// Upload runs one espota.py upload.
func (e *Espota) Upload(opts UploadOptions) (string, error) {
	e.t.Logf("espota: Uploading %s to %s:%d", opts.File, opts.Host, opts.Port)

	args := []string{
		"-d",
		"-i", opts.Host,
		"-p", strconv.Itoa(opts.Port),
		"-f", opts.File,
	}
	if opts.HostPort != 0 {
		args = append(args, "-I", "127.0.0.1", "-P", strconv.Itoa(opts.HostPort))
	}
	if opts.Password != "" {
		args = append(args, "-a", opts.Password)
	}
	if opts.Spiffs {
		args = append(args, "-s")
	}

	output, err := e.run(args...)
	if err != nil {
		return output, fmt.Errorf("upload failed: %w", err)
	}
	return output, nil
}

// run executes espota.py with a timeout and returns its output.
func (e *Espota) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.python, append([]string{e.script}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &espotaLogWriter{t: e.t, prefix: "[espota stdout] ", logFile: e.logFile})
	cmd.Stderr = io.MultiWriter(&stderr, &espotaLogWriter{t: e.t, prefix: "[espota stderr] ", logFile: e.logFile})

	e.t.Logf("espota: Running: %s %s %s", e.python, e.script, strings.Join(args, " "))
	err := cmd.Run()
	output := stdout.String() + stderr.String()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("command timed out after %v", e.defaultTimeout)
		}
		return output, fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}

// Close closes the log file if one was opened.
func (e *Espota) Close() error {
	if e.logFile != nil {
		return e.logFile.Close()
	}
	return nil
}
