package observe

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// gathered returns the value of the named metric, optionally selecting the
// series whose kind label equals kind.
func gathered(t *testing.T, reg *prometheus.Registry, name, kind string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if kind != "" {
				match := false
				for _, l := range m.GetLabel() {
					if l.GetName() == "kind" && l.GetValue() == kind {
						match = true
					}
				}
				if !match {
					continue
				}
			}
			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{kind=%q} not found", name, kind)
	return 0
}

func TestMulti(t *testing.T) {
	t.Parallel()

	var a, b Recorder
	s := Multi(&a, nil, &b)
	s.Emit(Event{Kind: KindPublishStart, Stream: "live/alpha"})

	if a.Count(KindPublishStart) != 1 || b.Count(KindPublishStart) != 1 {
		t.Errorf("fan-out: got %d and %d, want 1 and 1", a.Count(KindPublishStart), b.Count(KindPublishStart))
	}
	if Multi() != Nop || Multi(nil) != Nop {
		t.Error("empty Multi should be Nop")
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s := NewLogSink(log)

	s.Emit(Event{Kind: KindDrop, Stream: "live/alpha", Count: 3})
	s.Emit(Event{Kind: KindSlowDisconnect, Session: "abc", Stream: "live/alpha"})
	s.Emit(Event{Kind: KindPublishRejected, Stream: "live/alpha", Err: errors.New("busy")})

	out := buf.String()
	if strings.Contains(out, string(KindDrop)) {
		t.Error("drop event should be below Info")
	}
	if !strings.Contains(out, "level=WARN msg="+string(KindSlowDisconnect)) {
		t.Errorf("missing warn line in %q", out)
	}
	if !strings.Contains(out, "level=ERROR msg="+string(KindPublishRejected)) || !strings.Contains(out, "error=busy") {
		t.Errorf("missing error line in %q", out)
	}
	if !strings.Contains(out, "component=events") {
		t.Errorf("missing component attribute in %q", out)
	}
}

func TestMetricsSink(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetricsSink(reg)
	if err != nil {
		t.Fatalf("NewMetricsSink: %v", err)
	}

	m.Emit(Event{Kind: KindSessionOpen})
	m.Emit(Event{Kind: KindSessionOpen})
	m.Emit(Event{Kind: KindSessionClosed})
	m.Emit(Event{Kind: KindPublishStart})
	m.Emit(Event{Kind: KindSubscribeStart})
	m.Emit(Event{Kind: KindDrop, Count: 4})
	m.Emit(Event{Kind: KindDrop})

	if got := gathered(t, reg, "rtmp_relay_sessions", ""); got != 1 {
		t.Errorf("sessions: got %v, want 1", got)
	}
	if got := gathered(t, reg, "rtmp_relay_publishers", ""); got != 1 {
		t.Errorf("publishers: got %v, want 1", got)
	}
	if got := gathered(t, reg, "rtmp_relay_dropped_messages_total", ""); got != 5 {
		t.Errorf("dropped: got %v, want 5", got)
	}
	if got := gathered(t, reg, "rtmp_relay_events_total", string(KindDrop)); got != 2 {
		t.Errorf("drop events: got %v, want 2", got)
	}

	if _, err := NewMetricsSink(reg); err == nil {
		t.Error("duplicate registration should fail")
	}
}
