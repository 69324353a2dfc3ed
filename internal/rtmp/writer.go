package rtmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

type outChannel struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typ       uint8
	streamID  uint32
	extended  bool
	started   bool
}

// Writer multiplexes messages into chunks, choosing the most compact header
// format the peer can reconstruct. A message is always written in full
// before the next one starts, so a Set Chunk Size takes effect exactly at a
// message boundary.
//
// Writer is safe for concurrent use, but output is buffered: call Flush (or
// use Send) to push bytes to the connection.
type Writer struct {
	mu        sync.Mutex
	bw        *bufio.Writer
	chunkSize uint32
	channels  map[uint32]*outChannel
	hdr       []byte
}

// NewWriter returns a Writer using the protocol default chunk size.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw:        bufio.NewWriterSize(w, 64<<10),
		chunkSize: DefaultChunkSize,
		channels:  make(map[uint32]*outChannel),
		hdr:       make([]byte, 0, 18),
	}
}

// ChunkSize returns the current outbound chunk size.
func (w *Writer) ChunkSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chunkSize
}

// WriteMessage chunks m into the output buffer. If m is a Set Chunk Size
// message the new size applies to every message after it.
func (w *Writer) WriteMessage(m *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeMessage(m)
}

// Flush writes buffered chunks to the connection.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Send writes msgs and flushes them as one unit.
func (w *Writer) Send(msgs ...*Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range msgs {
		if err := w.writeMessage(m); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

func (w *Writer) writeMessage(m *Message) error {
	length := uint32(len(m.Payload))
	if length > MaxMessageSize {
		return fmt.Errorf("rtmp: message of %d bytes exceeds maximum", length)
	}
	csid := m.ChunkStreamID
	if csid == 0 {
		csid = DefaultChunkStream(m.Type)
	}

	ch := w.channels[csid]
	if ch == nil {
		ch = &outChannel{}
		w.channels[csid] = ch
	}

	format := fmtFull
	var delta uint32
	if ch.started && m.StreamID == ch.streamID && m.Timestamp >= ch.timestamp {
		delta = m.Timestamp - ch.timestamp
		switch {
		case m.Type != ch.typ || length != ch.length:
			format = fmtSameID
		case delta != ch.delta:
			format = fmtTSOnly
		default:
			format = fmtContinue
		}
	}

	hdr, err := appendBasicHeader(w.hdr[:0], format, csid)
	if err != nil {
		return err
	}
	switch format {
	case fmtFull:
		field, ext := clampTimestamp(m.Timestamp)
		hdr = appendUint24(hdr, field)
		hdr = appendUint24(hdr, length)
		hdr = append(hdr, m.Type)
		hdr = binary.LittleEndian.AppendUint32(hdr, m.StreamID)
		if ext {
			hdr = appendExtended(hdr, m.Timestamp)
		}
		ch.delta, ch.extended = m.Timestamp, ext
	case fmtSameID, fmtTSOnly:
		field, ext := clampTimestamp(delta)
		hdr = appendUint24(hdr, field)
		if format == fmtSameID {
			hdr = appendUint24(hdr, length)
			hdr = append(hdr, m.Type)
		}
		if ext {
			hdr = appendExtended(hdr, delta)
		}
		ch.delta, ch.extended = delta, ext
	case fmtContinue:
		if ch.extended {
			hdr = appendExtended(hdr, ch.delta)
		}
	}
	ch.timestamp = m.Timestamp
	ch.length = length
	ch.typ = m.Type
	ch.streamID = m.StreamID
	ch.started = true

	payload := m.Payload
	for {
		if _, err := w.bw.Write(hdr); err != nil {
			return err
		}
		n := min(uint32(len(payload)), w.chunkSize)
		if _, err := w.bw.Write(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
		if len(payload) == 0 {
			break
		}
		hdr, _ = appendBasicHeader(hdr[:0], fmtContinue, csid)
		if ch.extended {
			hdr = appendExtended(hdr, ch.delta)
		}
	}
	w.hdr = hdr

	if m.Type == TypeSetChunkSize && length >= 4 {
		if size := binary.BigEndian.Uint32(m.Payload) & 0x7FFFFFFF; size > 0 {
			w.chunkSize = min(size, MaxChunkSize)
		}
	}
	return nil
}
