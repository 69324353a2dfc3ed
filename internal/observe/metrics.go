package observe

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rtmp_relay"

// MetricsSink turns events into Prometheus counters and gauges.
type MetricsSink struct {
	events      *prometheus.CounterVec
	dropped     prometheus.Counter
	sessions    prometheus.Gauge
	publishers  prometheus.Gauge
	subscribers prometheus.Gauge
}

// NewMetricsSink creates the collectors and registers them with reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	m := &MetricsSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle and backpressure events by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages discarded by subscriber backpressure.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open client connections.",
		}),
		publishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publishers",
			Help:      "Streams with an active publisher.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Active stream subscriptions.",
		}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{m.events, m.dropped, m.sessions, m.publishers, m.subscribers} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MetricsSink) Emit(e Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case KindDrop:
		m.dropped.Add(float64(max(e.Count, 1)))
	case KindSessionOpen:
		m.sessions.Inc()
	case KindSessionClosed:
		m.sessions.Dec()
	case KindPublishStart:
		m.publishers.Inc()
	case KindPublishStop:
		m.publishers.Dec()
	case KindSubscribeStart:
		m.subscribers.Inc()
	case KindSubscribeStop:
		m.subscribers.Dec()
	}
}
