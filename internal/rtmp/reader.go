package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// initialAlloc bounds the up-front buffer for a new message so a hostile
// length field cannot force a large allocation before any bytes arrive.
const initialAlloc = 64 << 10

type inChannel struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typ       uint8
	streamID  uint32
	extended  bool

	buf     []byte
	partial bool
}

// Reader demultiplexes a chunk stream into complete messages. It is not
// safe for concurrent use; a session owns exactly one Reader on its read
// goroutine.
//
// Set Chunk Size and Abort messages are applied by the Reader before they
// are returned, so callers never need to feed them back.
type Reader struct {
	r          *countingReader
	chunkSize  uint32
	maxMessage uint32
	channels   map[uint32]*inChannel
	scratch    [11]byte
}

// NewReader returns a Reader using the protocol default chunk size.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:          &countingReader{r: r},
		chunkSize:  DefaultChunkSize,
		maxMessage: MaxMessageSize,
		channels:   make(map[uint32]*inChannel),
	}
}

// ChunkSize returns the current inbound chunk size.
func (r *Reader) ChunkSize() uint32 { return r.chunkSize }

// SetChunkSize overrides the inbound chunk size.
func (r *Reader) SetChunkSize(n uint32) {
	r.chunkSize = min(max(n, 1), MaxChunkSize)
}

// SetMaxMessageSize caps the length field accepted in a message header.
func (r *Reader) SetMaxMessageSize(n uint32) {
	r.maxMessage = min(max(n, 1), MaxMessageSize)
}

// BytesRead returns the number of bytes consumed from the underlying reader.
func (r *Reader) BytesRead() uint64 { return r.r.n }

// ReadMessage reads chunks until a message is complete and returns it.
// Chunks of different chunk streams may interleave arbitrarily.
func (r *Reader) ReadMessage() (*Message, error) {
	for {
		msg, err := r.readChunk()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if err := r.apply(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *Reader) readChunk() (*Message, error) {
	format, csid, err := readBasicHeader(r.r, r.scratch[:])
	if err != nil {
		return nil, err
	}

	ch := r.channels[csid]
	if ch == nil {
		if format != fmtFull {
			return nil, &ProtocolSyncError{ChunkStreamID: csid, Format: format, Reason: "no prior full header on chunk stream"}
		}
		ch = &inChannel{}
		r.channels[csid] = ch
	}
	if format != fmtContinue && ch.partial {
		return nil, &ProtocolSyncError{ChunkStreamID: csid, Format: format, Reason: "message header before previous message completed"}
	}

	if err := r.readMessageHeader(ch, format); err != nil {
		return nil, err
	}

	if !ch.partial {
		if ch.length > r.maxMessage {
			return nil, &ProtocolSyncError{ChunkStreamID: csid, Format: format,
				Reason: fmt.Sprintf("message length %d exceeds limit %d", ch.length, r.maxMessage)}
		}
		ch.buf = make([]byte, 0, min(ch.length, initialAlloc))
		ch.partial = true
	}

	n := min(ch.length-uint32(len(ch.buf)), r.chunkSize)
	start := len(ch.buf)
	ch.buf = slices.Grow(ch.buf, int(n))[:start+int(n)]
	if _, err := io.ReadFull(r.r, ch.buf[start:]); err != nil {
		return nil, err
	}
	if uint32(len(ch.buf)) < ch.length {
		return nil, nil
	}

	msg := &Message{
		ChunkStreamID: csid,
		Timestamp:     ch.timestamp,
		Type:          ch.typ,
		StreamID:      ch.streamID,
		Payload:       ch.buf,
	}
	ch.buf = nil
	ch.partial = false
	return msg, nil
}

// readMessageHeader reads the fmt-dependent message header and updates the
// chunk stream's running header state. A fmt0 header sets the stored delta
// to its absolute timestamp, so a following fmt3 message adds it again.
func (r *Reader) readMessageHeader(ch *inChannel, format uint8) error {
	s := r.scratch[:]
	switch format {
	case fmtFull:
		if _, err := io.ReadFull(r.r, s[:11]); err != nil {
			return err
		}
		ts := getUint24(s[0:3])
		ch.length = getUint24(s[3:6])
		ch.typ = s[6]
		ch.streamID = binary.LittleEndian.Uint32(s[7:11])
		ch.extended = ts == extendedTimestamp
		if ch.extended {
			var err error
			if ts, err = r.readExtended(); err != nil {
				return err
			}
		}
		ch.timestamp = ts
		ch.delta = ts

	case fmtSameID, fmtTSOnly:
		size := 3
		if format == fmtSameID {
			size = 7
		}
		if _, err := io.ReadFull(r.r, s[:size]); err != nil {
			return err
		}
		delta := getUint24(s[0:3])
		if format == fmtSameID {
			ch.length = getUint24(s[3:6])
			ch.typ = s[6]
		}
		ch.extended = delta == extendedTimestamp
		if ch.extended {
			var err error
			if delta, err = r.readExtended(); err != nil {
				return err
			}
		}
		ch.timestamp += delta
		ch.delta = delta

	case fmtContinue:
		if ch.extended {
			ext, err := r.readExtended()
			if err != nil {
				return err
			}
			if !ch.partial {
				ch.delta = ext
			}
		}
		if !ch.partial {
			ch.timestamp += ch.delta
		}
	}
	return nil
}

func (r *Reader) readExtended() (uint32, error) {
	if _, err := io.ReadFull(r.r, r.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.scratch[:4]), nil
}

func (r *Reader) apply(msg *Message) error {
	switch msg.Type {
	case TypeSetChunkSize:
		c, err := DecodeControl(msg)
		if err != nil {
			return err
		}
		size := c.(SetChunkSize).Size
		if size == 0 {
			return &ProtocolSyncError{ChunkStreamID: msg.ChunkStreamID, Reason: "set chunk size of 0"}
		}
		r.chunkSize = min(size, MaxChunkSize)
	case TypeAbort:
		c, err := DecodeControl(msg)
		if err != nil {
			return err
		}
		if ch := r.channels[c.(Abort).ChunkStreamID]; ch != nil {
			ch.buf = nil
			ch.partial = false
		}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}
