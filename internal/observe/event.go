// Package observe carries lifecycle and backpressure events out of the
// relay core. Components emit [Event] values to a [Sink]; the binary wires
// a [LogSink] and a [MetricsSink] together with [Multi].
package observe

import "sync"

// Kind identifies what happened.
type Kind string

const (
	KindHandshake         Kind = "handshake"
	KindHandshakeFailed   Kind = "handshake_failed"
	KindPublishStart      Kind = "publish_start"
	KindPublishStop       Kind = "publish_stop"
	KindPublishRejected   Kind = "publish_rejected"
	KindSubscribeStart    Kind = "subscribe_start"
	KindSubscribeStop     Kind = "subscribe_stop"
	KindSubscribeRejected Kind = "subscribe_rejected"
	KindDrop              Kind = "backpressure_drop"
	KindSlowDisconnect    Kind = "backpressure_disconnect"
	KindTimestampAnomaly  Kind = "timestamp_anomaly"
	KindProtocolError     Kind = "protocol_error"
	KindSessionOpen       Kind = "session_open"
	KindSessionClosed     Kind = "session_closed"
	KindStreamCollected   Kind = "stream_collected"
)

// Event is one observable occurrence. Only Kind is always set.
type Event struct {
	Kind    Kind
	Session string
	Stream  string
	Remote  string
	Detail  string
	Err     error
	// Count is the number of messages affected, for drop events.
	Count int
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block: Emit is called from the publisher's fan-out path.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop discards all events.
var Nop Sink = nopSink{}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Nop
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Recorder keeps every event it receives. It is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded events of kind k.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
