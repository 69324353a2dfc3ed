package observe

import (
	"log/slog"
)

// LogSink writes events to a structured logger. Per-message drops and
// handshakes go to Debug, disconnects and anomalies to Warn, rejections
// and protocol failures to Error.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a LogSink writing to log, or slog.Default when nil.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "events")}
}

func (s *LogSink) Emit(e Event) {
	attrs := make([]any, 0, 12)
	if e.Session != "" {
		attrs = append(attrs, "session", e.Session)
	}
	if e.Stream != "" {
		attrs = append(attrs, "stream", e.Stream)
	}
	if e.Remote != "" {
		attrs = append(attrs, "remote", e.Remote)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Count != 0 {
		attrs = append(attrs, "count", e.Count)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}

	switch e.Kind {
	case KindHandshakeFailed, KindProtocolError, KindPublishRejected, KindSubscribeRejected:
		s.log.Error(string(e.Kind), attrs...)
	case KindSlowDisconnect, KindTimestampAnomaly:
		s.log.Warn(string(e.Kind), attrs...)
	case KindHandshake, KindDrop:
		s.log.Debug(string(e.Kind), attrs...)
	default:
		s.log.Info(string(e.Kind), attrs...)
	}
}
