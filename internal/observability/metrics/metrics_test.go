package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_SessionLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionDestroyed("stop", 1.5)

	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Errorf("expected 2 sessions created, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsDestroyed.WithLabelValues("stop")); got != 1 {
		t.Errorf("expected 1 session destroyed by stop, got %v", got)
	}
}

func TestMetrics_Segments(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSegment(true)
	m.RecordSegment(true)
	m.RecordSegment(false)
	m.RecordPartialSuppressed()

	if got := testutil.ToFloat64(m.SegmentsEmitted.WithLabelValues("partial")); got != 2 {
		t.Errorf("expected 2 partial segments, got %v", got)
	}
	if got := testutil.ToFloat64(m.SegmentsEmitted.WithLabelValues("final")); got != 1 {
		t.Errorf("expected 1 final segment, got %v", got)
	}
	if got := testutil.ToFloat64(m.PartialsSuppressed); got != 1 {
		t.Errorf("expected 1 suppressed partial, got %v", got)
	}
}

func TestMetrics_PublishErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPublish("kafka", "final", nil, 0.01)
	m.RecordPublish("kafka", "final", errors.New("broker down"), 0.02)

	if got := testutil.ToFloat64(m.PublishTotal.WithLabelValues("kafka", "final")); got != 2 {
		t.Errorf("expected 2 publish attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.PublishErrors.WithLabelValues("kafka", "final")); got != 1 {
		t.Errorf("expected 1 publish error, got %v", got)
	}
}

func TestMetrics_Credential(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCredential(nil)
	m.RecordCredential(errors.New("denied"))

	if got := testutil.ToFloat64(m.CredentialsIssued.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 ok credential, got %v", got)
	}
	if got := testutil.ToFloat64(m.CredentialsIssued.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed credential, got %v", got)
	}
}
