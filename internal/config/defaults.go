package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr             = ":1935"
	DefaultMaxConnections   = 1024
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultChunkSize        = 4096
	DefaultWindowAckSize    = 2500000
	DefaultMaxMessageSize   = 0xFFFFFF
	DefaultMaxTimestampJump = 30 * time.Second
	DefaultQueueMessages    = 512
	DefaultQueueBytes       = 8 << 20
	DefaultBackpressure     = "drop-oldest"
	DefaultIdleTimeout      = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultMetricsAddr      = ":9935"
	DefaultMetricsPath      = "/metrics"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}

	// Protocol defaults
	if c.RTMP.ChunkSize == 0 {
		c.RTMP.ChunkSize = DefaultChunkSize
	}
	if c.RTMP.WindowAckSize == 0 {
		c.RTMP.WindowAckSize = DefaultWindowAckSize
	}
	if c.RTMP.MaxMessageSize == 0 {
		c.RTMP.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.RTMP.MaxTimestampJump == 0 {
		c.RTMP.MaxTimestampJump = DefaultMaxTimestampJump
	}

	// Relay defaults
	if c.Relay.QueueMessages == 0 {
		c.Relay.QueueMessages = DefaultQueueMessages
	}
	if c.Relay.QueueBytes == 0 {
		c.Relay.QueueBytes = DefaultQueueBytes
	}
	if c.Relay.Backpressure == "" {
		c.Relay.Backpressure = DefaultBackpressure
	}
	if c.Relay.IdleTimeout == 0 {
		c.Relay.IdleTimeout = DefaultIdleTimeout
	}
	if c.Relay.SweepInterval == 0 {
		c.Relay.SweepInterval = DefaultSweepInterval
	}

	// Metrics and logging defaults
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
