package ota

import (
	"testing"

	"github.com/backkem/espota/pkg/update"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &recorder{}
	m, err := NewMetrics(reg, rec)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.OnStart(update.CommandFlash)
	m.OnProgress(0, 1024)
	m.OnProgress(500, 1024)
	m.OnProgress(1024, 1024)
	m.OnEnd()

	m.OnStart(update.CommandFilesystem)
	m.OnProgress(0, 100)
	m.OnProgress(40, 100)
	m.OnError(&Error{Kind: ReceiveError, Msg: "Receive timeout"})
	m.OnError(&Error{Kind: AuthError, Msg: ReplyAuthFailed})

	if got := counterValue(t, m.bytes); got != 1064 {
		t.Errorf("bytes = %v, want 1064", got)
	}
	if got := counterValue(t, m.sessions.WithLabelValues("success")); got != 1 {
		t.Errorf("success sessions = %v, want 1", got)
	}
	if got := counterValue(t, m.sessions.WithLabelValues("error")); got != 2 {
		t.Errorf("error sessions = %v, want 2", got)
	}
	if got := counterValue(t, m.errors.WithLabelValues("receive")); got != 1 {
		t.Errorf("receive errors = %v, want 1", got)
	}
	if got := counterValue(t, m.authFailures); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 4 {
		t.Errorf("Gather() = %d families, want 4", len(families))
	}

	// Events pass through.
	if len(rec.starts) != 2 || len(rec.progress) != 5 || rec.ends != 1 || len(rec.errs) != 2 {
		t.Errorf("forwarded starts=%d progress=%d ends=%d errs=%d", len(rec.starts), len(rec.progress), rec.ends, len(rec.errs))
	}
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg, nil); err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if _, err := NewMetrics(reg, nil); err == nil {
		t.Fatal("second NewMetrics() on the same registry succeeded")
	}
}
