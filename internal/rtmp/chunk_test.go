package rtmp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"
)

func testPayload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func roundTripMessages() []*Message {
	return []*Message{
		{ChunkStreamID: 3, Type: TypeAMF0Command, Payload: testPayload(40, 1)},
		{ChunkStreamID: 4, Timestamp: 0, Type: TypeAudio, StreamID: 1, Payload: testPayload(9, 2)},
		{ChunkStreamID: 4, Timestamp: 23, Type: TypeAudio, StreamID: 1, Payload: testPayload(9, 3)},
		{ChunkStreamID: 4, Timestamp: 46, Type: TypeAudio, StreamID: 1, Payload: testPayload(9, 4)},
		{ChunkStreamID: 4, Timestamp: 69, Type: TypeAudio, StreamID: 1, Payload: testPayload(12, 5)},
		{ChunkStreamID: 6, Timestamp: 0, Type: TypeVideo, StreamID: 1, Payload: testPayload(5000, 6)},
		{ChunkStreamID: 6, Timestamp: 33, Type: TypeVideo, StreamID: 1, Payload: testPayload(700, 7)},
		{ChunkStreamID: 6, Timestamp: 20, Type: TypeVideo, StreamID: 1, Payload: testPayload(300, 8)},
		{ChunkStreamID: 6, Timestamp: 20, Type: TypeVideo, StreamID: 2, Payload: testPayload(300, 9)},
		{ChunkStreamID: 6, Timestamp: 0x1000010, Type: TypeVideo, StreamID: 2, Payload: testPayload(400, 10)},
		{ChunkStreamID: 6, Timestamp: 0x1000010 + 40, Type: TypeVideo, StreamID: 2, Payload: testPayload(400, 11)},
		{ChunkStreamID: 6, Timestamp: 0x1000010 + 0x1000000, Type: TypeVideo, StreamID: 2, Payload: testPayload(400, 12)},
		{ChunkStreamID: 6, Timestamp: 0x1000010 + 0x2000000, Type: TypeVideo, StreamID: 2, Payload: testPayload(400, 13)},
		{ChunkStreamID: 7, Timestamp: 5, Type: TypeAMF0Data, StreamID: 1, Payload: []byte{}},
		{ChunkStreamID: 64, Timestamp: 7, Type: TypeAudio, StreamID: 1, Payload: testPayload(130, 14)},
		{ChunkStreamID: 319, Timestamp: 8, Type: TypeAudio, StreamID: 1, Payload: testPayload(3, 15)},
		{ChunkStreamID: 320, Timestamp: 9, Type: TypeAudio, StreamID: 1, Payload: testPayload(3, 16)},
		{ChunkStreamID: 65599, Timestamp: 0xFFFFFFFF, Type: TypeVideo, StreamID: 1, Payload: testPayload(260, 17)},
	}
}

func assertSameMessage(t *testing.T, i int, got, want *Message) {
	t.Helper()
	if got.ChunkStreamID != want.ChunkStreamID || got.Timestamp != want.Timestamp ||
		got.Type != want.Type || got.StreamID != want.StreamID {
		t.Fatalf("message %d header: got %v, want %v", i, got, want)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("message %d payload mismatch (got %d bytes, want %d)", i, len(got.Payload), len(want.Payload))
	}
}

func TestChunkRoundTrip(t *testing.T) {
	t.Parallel()

	for _, size := range []uint32{1, 7, 128, 4096, 65536} {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			w := NewWriter(&buf)
			msgs := roundTripMessages()
			if err := w.WriteMessage(NewControlMessage(SetChunkSize{Size: size})); err != nil {
				t.Fatalf("WriteMessage(SetChunkSize): %v", err)
			}
			for _, m := range msgs {
				if err := w.WriteMessage(m); err != nil {
					t.Fatalf("WriteMessage: %v", err)
				}
			}
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			if w.ChunkSize() != size {
				t.Errorf("writer chunk size: got %d, want %d", w.ChunkSize(), size)
			}

			total := uint64(buf.Len())
			r := NewReader(iotest.OneByteReader(&buf))
			first, err := r.ReadMessage()
			if err != nil {
				t.Fatalf("reading SetChunkSize: %v", err)
			}
			if first.Type != TypeSetChunkSize || r.ChunkSize() != size {
				t.Fatalf("reader chunk size: got %d after type %d, want %d", r.ChunkSize(), first.Type, size)
			}
			for i, want := range msgs {
				got, err := r.ReadMessage()
				if err != nil {
					t.Fatalf("ReadMessage %d: %v", i, err)
				}
				assertSameMessage(t, i, got, want)
			}
			if _, err := r.ReadMessage(); !errors.Is(err, io.EOF) {
				t.Errorf("trailing read: got %v, want EOF", err)
			}
			if r.BytesRead() != total {
				t.Errorf("BytesRead: got %d, want %d", r.BytesRead(), total)
			}
		})
	}
}

func TestWriterHeaderCompression(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, ts := range []uint32{0, 40, 80} {
		m := &Message{ChunkStreamID: 4, Timestamp: ts, Type: TypeAudio, StreamID: 1, Payload: testPayload(10, 0)}
		if err := w.WriteMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	b := buf.Bytes()
	// fmt0: 1+11+10, fmt2: 1+3+10, fmt3: 1+10
	if len(b) != 22+14+11 {
		t.Fatalf("encoded length: got %d, want %d", len(b), 22+14+11)
	}
	for _, tc := range []struct {
		off  int
		want byte
	}{{0, fmtFull}, {22, fmtTSOnly}, {36, fmtContinue}} {
		if got := b[tc.off] >> 6; got != tc.want {
			t.Errorf("header at %d: got fmt %d, want %d", tc.off, got, tc.want)
		}
	}
}

func TestWriterLengthChangeUsesFmt1(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteMessage(&Message{ChunkStreamID: 4, Timestamp: 10, Type: TypeAudio, StreamID: 1, Payload: testPayload(4, 0)})
	_ = w.WriteMessage(&Message{ChunkStreamID: 4, Timestamp: 20, Type: TypeAudio, StreamID: 1, Payload: testPayload(6, 0)})
	_ = w.Flush()

	b := buf.Bytes()
	if got := b[1+11+4] >> 6; got != fmtSameID {
		t.Errorf("second header: got fmt %d, want %d", got, fmtSameID)
	}
}

func TestReaderInterleavedChunkStreams(t *testing.T) {
	t.Parallel()

	a := testPayload(200, 1)
	v := testPayload(150, 2)

	var in []byte
	in = append(in, 0x04, 0, 0, 10, 0, 0, 200, TypeAudio, 1, 0, 0, 0)
	in = append(in, a[:128]...)
	in = append(in, 0x06, 0, 0, 20, 0, 0, 150, TypeVideo, 1, 0, 0, 0)
	in = append(in, v[:128]...)
	in = append(in, 0xC4)
	in = append(in, a[128:]...)
	in = append(in, 0xC6)
	in = append(in, v[128:]...)

	r := NewReader(bytes.NewReader(in))
	first, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	assertSameMessage(t, 0, first, &Message{ChunkStreamID: 4, Timestamp: 10, Type: TypeAudio, StreamID: 1, Payload: a})
	assertSameMessage(t, 1, second, &Message{ChunkStreamID: 6, Timestamp: 20, Type: TypeVideo, StreamID: 1, Payload: v})
}

func TestReaderFmt3AfterFmt0AddsTimestamp(t *testing.T) {
	t.Parallel()

	in := []byte{
		0x04, 0, 0, 100, 0, 0, 1, TypeAudio, 1, 0, 0, 0, 0xAA,
		0xC4, 0xBB,
	}
	r := NewReader(bytes.NewReader(in))
	if _, err := r.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	m, err := r.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if m.Timestamp != 200 {
		t.Errorf("fmt3 timestamp: got %d, want 200", m.Timestamp)
	}
}

func TestReaderProtocolSyncError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
	}{
		{"fmt1 without prior fmt0", []byte{0x43, 0, 0, 0, 0, 0, 4, TypeAMF0Command}},
		{"fmt2 without prior fmt0", []byte{0x83, 0, 0, 0}},
		{"fmt3 without prior fmt0", []byte{0xC3, 1, 2, 3}},
		{"new header mid message", append(append(
			[]byte{0x03, 0, 0, 0, 0, 0, 200, TypeAMF0Command, 0, 0, 0, 0}, testPayload(128, 0)...),
			0x03, 0, 0, 0, 0, 0, 1, TypeAMF0Command, 0, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewReader(bytes.NewReader(tt.in)).ReadMessage()
			var syncErr *ProtocolSyncError
			if !errors.As(err, &syncErr) {
				t.Fatalf("got %v, want *ProtocolSyncError", err)
			}
			if syncErr.ChunkStreamID != 3 {
				t.Errorf("chunk stream: got %d, want 3", syncErr.ChunkStreamID)
			}
		})
	}
}

func TestReaderMaxMessageSize(t *testing.T) {
	t.Parallel()

	in := []byte{0x03, 0, 0, 0, 0x01, 0x00, 0x00, TypeAMF0Command, 0, 0, 0, 0}
	r := NewReader(bytes.NewReader(in))
	r.SetMaxMessageSize(1024)
	var syncErr *ProtocolSyncError
	if _, err := r.ReadMessage(); !errors.As(err, &syncErr) {
		t.Fatalf("got %v, want *ProtocolSyncError", err)
	}
}

func TestReaderAbortDiscardsPartial(t *testing.T) {
	t.Parallel()

	var in []byte
	in = append(in, 0x04, 0, 0, 0, 0, 0, 200, TypeAudio, 1, 0, 0, 0)
	in = append(in, testPayload(128, 0)...)
	in = append(in, 0x02, 0, 0, 0, 0, 0, 4, TypeAbort, 0, 0, 0, 0, 0, 0, 0, 4)
	in = append(in, 0x04, 0, 0, 5, 0, 0, 2, TypeAudio, 1, 0, 0, 0, 0xAF, 0x01)

	r := NewReader(bytes.NewReader(in))
	abort, err := r.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if abort.Type != TypeAbort {
		t.Fatalf("first message type: got %d, want Abort", abort.Type)
	}
	m, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("after abort: %v", err)
	}
	if m.Timestamp != 5 || !bytes.Equal(m.Payload, []byte{0xAF, 0x01}) {
		t.Errorf("after abort: got %v", m)
	}
}

func TestReaderZeroChunkSize(t *testing.T) {
	t.Parallel()

	in := []byte{0x02, 0, 0, 0, 0, 0, 4, TypeSetChunkSize, 0, 0, 0, 0, 0, 0, 0, 0}
	var syncErr *ProtocolSyncError
	if _, err := NewReader(bytes.NewReader(in)).ReadMessage(); !errors.As(err, &syncErr) {
		t.Fatalf("got %v, want *ProtocolSyncError", err)
	}
}

func TestBasicHeaderForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		csid uint32
		want []byte
	}{
		{2, []byte{0x02}},
		{63, []byte{0x3F}},
		{64, []byte{0x00, 0x00}},
		{319, []byte{0x00, 0xFF}},
		{320, []byte{0x01, 0x00, 0x01}},
		{65599, []byte{0x01, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		got, err := appendBasicHeader(nil, fmtFull, tt.csid)
		if err != nil {
			t.Fatalf("csid %d: %v", tt.csid, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("csid %d: got %x, want %x", tt.csid, got, tt.want)
		}
		format, csid, err := readBasicHeader(bytes.NewReader(got), make([]byte, 2))
		if err != nil || format != fmtFull || csid != tt.csid {
			t.Errorf("decode csid %d: got fmt=%d csid=%d err=%v", tt.csid, format, csid, err)
		}
	}

	if _, err := appendBasicHeader(nil, fmtFull, 1); err == nil {
		t.Error("csid 1 should be rejected")
	}
}

func TestWriterSendFlushes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Send(StreamBegin(1), NewControlMessage(WindowAckSize{Size: 2500000})); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&buf)
	for _, want := range []uint8{TypeUserControl, TypeWindowAckSize} {
		m, err := r.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if m.Type != want {
			t.Errorf("type: got %d, want %d", m.Type, want)
		}
	}
}
