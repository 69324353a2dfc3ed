package config

import (
	"errors"
	"fmt"

	"github.com/zsiec/rtmp-relay/internal/relay"
)

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxConnections < 1 {
		return errors.New("server.max_connections must be >= 1")
	}
	if c.Server.HandshakeTimeout <= 0 {
		return errors.New("server.handshake_timeout must be positive")
	}
	if c.Server.ReadTimeout <= 0 {
		return errors.New("server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return errors.New("server.write_timeout must be positive")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("server.cert_file and server.key_file must be set together")
	}

	if c.RTMP.ChunkSize < 1 || c.RTMP.ChunkSize > 0xFFFFFF {
		return fmt.Errorf("rtmp.chunk_size must be between 1 and %d, got %d", 0xFFFFFF, c.RTMP.ChunkSize)
	}
	if c.RTMP.WindowAckSize < 1 {
		return errors.New("rtmp.window_ack_size must be >= 1")
	}
	if c.RTMP.MaxMessageSize < 1 || c.RTMP.MaxMessageSize > 0xFFFFFF {
		return fmt.Errorf("rtmp.max_message_size must be between 1 and %d, got %d", 0xFFFFFF, c.RTMP.MaxMessageSize)
	}
	if c.RTMP.MaxTimestampJump < 0 {
		return errors.New("rtmp.max_timestamp_jump must not be negative")
	}

	if c.Relay.QueueMessages < 1 {
		return errors.New("relay.queue_messages must be >= 1")
	}
	if c.Relay.QueueBytes < 1 {
		return errors.New("relay.queue_bytes must be >= 1")
	}
	if _, err := relay.ParsePolicy(c.Relay.Backpressure); err != nil {
		return fmt.Errorf("relay.backpressure: %w", err)
	}
	if c.Relay.IdleTimeout < 0 {
		return errors.New("relay.idle_timeout must not be negative")
	}
	if c.Relay.SweepInterval <= 0 {
		return errors.New("relay.sweep_interval must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json", "console":
	default:
		return fmt.Errorf("log.format must be one of text, json, console; got %q", c.Log.Format)
	}
	return nil
}
