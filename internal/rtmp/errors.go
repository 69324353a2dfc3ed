package rtmp

import (
	"errors"
	"fmt"
)

// Sentinel errors for RTMP wire handling.
var (
	ErrUnsupportedVersion = errors.New("rtmp: unsupported protocol version")
	ErrAlreadyNegotiated  = errors.New("rtmp: handshake already negotiated")
	ErrShortPayload       = errors.New("rtmp: control payload too short")
	ErrNotCommand         = errors.New("rtmp: not a command message")
)

// HandshakeError is fatal for the connection: the handshake did not reach
// the negotiated state and nothing about the peer should be retained.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("rtmp: handshake %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ProtocolSyncError means the peer and the demultiplexer disagree about
// chunk stream state. The byte stream cannot be resynchronised and the
// connection must be closed.
type ProtocolSyncError struct {
	ChunkStreamID uint32
	Format        uint8
	Reason        string
}

func (e *ProtocolSyncError) Error() string {
	return fmt.Sprintf("rtmp: chunk stream %d (fmt %d) out of sync: %s", e.ChunkStreamID, e.Format, e.Reason)
}

// TimestampAnomalyError reports a timestamp jump larger than the
// configured bound. Only the offending message is dropped.
type TimestampAnomalyError struct {
	StreamID uint32
	Type     uint8
	Previous uint32
	Got      uint32
	JumpMS   int64
}

func (e *TimestampAnomalyError) Error() string {
	return fmt.Sprintf("rtmp: timestamp anomaly on stream %d type %d: %d -> %d (jump %dms)",
		e.StreamID, e.Type, e.Previous, e.Got, e.JumpMS)
}

// IsFatal reports whether err must terminate the connection. Timestamp
// anomalies and command-level errors are recoverable; handshake and sync
// failures and all I/O errors are not.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ts *TimestampAnomalyError
	return !errors.As(err, &ts)
}
