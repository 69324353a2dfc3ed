// Package config loads the relay's YAML configuration.
//
// A file is optional: Default returns a complete configuration, and
// LoadAndValidate layers a file over the same defaults. String values may
// reference environment variables as ${VAR}.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	RTMP    RTMPConfig    `yaml:"rtmp"`
	Relay   RelayConfig   `yaml:"relay"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the listeners and per-connection limits.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RTMPSAddr enables a TLS listener when set. Without CertFile and
	// KeyFile a self-signed certificate is generated at startup.
	RTMPSAddr        string        `yaml:"rtmps_addr"`
	CertFile         string        `yaml:"cert_file"`
	KeyFile          string        `yaml:"key_file"`
	MaxConnections   int           `yaml:"max_connections"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// RTMPConfig holds protocol parameters.
type RTMPConfig struct {
	// ChunkSize is announced to every peer after connect.
	ChunkSize      int `yaml:"chunk_size"`
	WindowAckSize  int `yaml:"window_ack_size"`
	MaxMessageSize int `yaml:"max_message_size"`
	// MaxTimestampJump bounds the timestamp step between consecutive
	// messages of one track before the message is dropped as anomalous.
	MaxTimestampJump time.Duration `yaml:"max_timestamp_jump"`
}

// RelayConfig controls fan-out queues and stream lifetime.
type RelayConfig struct {
	QueueMessages int    `yaml:"queue_messages"`
	QueueBytes    int    `yaml:"queue_bytes"`
	Backpressure  string `yaml:"backpressure"`
	// IdleTimeout is how long a stream with neither publisher nor
	// subscribers is kept before it is collected.
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
