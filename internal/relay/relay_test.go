package relay

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/rtmp-relay/internal/amf"
	"github.com/zsiec/rtmp-relay/internal/observe"
	"github.com/zsiec/rtmp-relay/internal/rtmp"
)

func videoMsg(ts uint32, b byte) *rtmp.Message {
	return &rtmp.Message{ChunkStreamID: 6, Type: rtmp.TypeVideo, StreamID: 1, Timestamp: ts, Payload: []byte{0x27, 0x01, b}}
}

func metaMsg(wrapped bool) *rtmp.Message {
	vals := []any{rtmp.HandlerOnMetaData, amf.ECMAArray{"width": 1280.0}}
	if wrapped {
		vals = append([]any{"@setDataFrame"}, vals...)
	}
	return &rtmp.Message{ChunkStreamID: 4, Type: rtmp.TypeAMF0Data, StreamID: 1, Payload: amf.MustEncode(vals...)}
}

func avcConfig() *rtmp.Message {
	return &rtmp.Message{Type: rtmp.TypeVideo, StreamID: 1, Payload: []byte{0x17, 0x00, 0, 0, 0, 0x01}}
}

func drain(t *testing.T, q *Queue) []*rtmp.Message {
	t.Helper()
	msgs, err := q.Drain(nil)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return msgs
}

func newSub(id string, streamID uint32, n int) *Subscriber {
	return NewSubscriber(id, "session-"+id, streamID, NewQueue(n, 1<<20))
}

func TestRelayAddRemoveSubscriber(t *testing.T) {
	t.Parallel()

	r := New("live/alpha", Options{})
	s := newSub("s1", 1, 16)
	if err := r.AddSubscriber(s); err != nil {
		t.Fatal(err)
	}
	if err := r.AddSubscriber(s); !errors.Is(err, ErrDuplicateSubscriber) {
		t.Errorf("duplicate: got %v, want ErrDuplicateSubscriber", err)
	}
	if r.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount: got %d, want 1", r.SubscriberCount())
	}
	if !r.RemoveSubscriber("s1") || r.RemoveSubscriber("s1") {
		t.Error("RemoveSubscriber should succeed exactly once")
	}
	if s.Queue.Err() != nil {
		t.Error("removal must not close the connection's queue")
	}
}

func TestRelayBroadcastRewritesStreamID(t *testing.T) {
	t.Parallel()

	r := New("live/alpha", Options{})
	a, b := newSub("a", 1, 16), newSub("b", 7, 16)
	_ = r.AddSubscriber(a)
	_ = r.AddSubscriber(b)

	m := videoMsg(40, 9)
	r.Broadcast(m)

	ga, gb := drain(t, a.Queue), drain(t, b.Queue)
	if len(ga) != 1 || len(gb) != 1 {
		t.Fatalf("got %d and %d messages, want 1 each", len(ga), len(gb))
	}
	if ga[0].StreamID != 1 || gb[0].StreamID != 7 {
		t.Errorf("stream ids: got %d and %d, want 1 and 7", ga[0].StreamID, gb[0].StreamID)
	}
	if &ga[0].Payload[0] != &m.Payload[0] || &gb[0].Payload[0] != &m.Payload[0] {
		t.Error("payload bytes were copied instead of shared")
	}
	if m.StreamID != 1 || m.ChunkStreamID != 6 {
		t.Error("publisher's message header was mutated")
	}
}

func TestRelayLateJoinerGetsMetadataFirst(t *testing.T) {
	t.Parallel()

	r := New("live/alpha", Options{})
	r.PublishStarted()
	r.Broadcast(metaMsg(true))
	r.Broadcast(avcConfig())
	r.Broadcast(videoMsg(0, 1))
	r.Broadcast(videoMsg(33, 2))

	late := newSub("late", 1, 16)
	if err := r.AddSubscriber(late); err != nil {
		t.Fatal(err)
	}
	r.Broadcast(videoMsg(66, 3))

	got := drain(t, late.Queue)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Type != rtmp.TypeAMF0Data {
		t.Fatalf("first message type %d, want metadata", got[0].Type)
	}
	if !bytes.Equal(got[0].Payload, metaMsg(false).Payload) {
		t.Error("cached metadata still carries @setDataFrame wrapper")
	}
	if !rtmp.IsSequenceHeader(got[1]) {
		t.Error("second message should be the AVC sequence header")
	}
	if got[2].Timestamp != 66 {
		t.Errorf("live message timestamp: got %d, want 66", got[2].Timestamp)
	}
}

func TestRelayEndOfStreamExactlyOnce(t *testing.T) {
	t.Parallel()

	r := New("live/alpha", Options{})
	subs := []*Subscriber{newSub("a", 1, 16), newSub("b", 1, 16)}
	for _, s := range subs {
		_ = r.AddSubscriber(s)
	}
	r.PublishStarted()
	for _, s := range subs {
		drain(t, s.Queue)
	}

	r.Broadcast(metaMsg(false))
	r.EndOfStream()
	r.EndOfStream()

	for _, s := range subs {
		eof := 0
		for _, m := range drain(t, s.Queue) {
			if m.Type != rtmp.TypeUserControl {
				continue
			}
			c, err := rtmp.DecodeControl(m)
			if err != nil {
				t.Fatal(err)
			}
			if uc := c.(rtmp.UserControl); uc.Event == rtmp.EventStreamEOF {
				eof++
			}
		}
		if eof != 1 {
			t.Errorf("%s: got %d end-of-stream events, want 1", s.ID, eof)
		}
	}
	if r.Live() {
		t.Error("relay still live after EndOfStream")
	}

	late := newSub("late", 1, 16)
	_ = r.AddSubscriber(late)
	if n := len(drain(t, late.Queue)); n != 0 {
		t.Errorf("caches survived end of stream: got %d messages", n)
	}
}

func TestRelayDropOldestKeepsNewest(t *testing.T) {
	t.Parallel()

	rec := &observe.Recorder{}
	r := New("live/alpha", Options{Policy: DropOldest, Sink: rec})
	slow := newSub("slow", 1, 4)
	_ = r.AddSubscriber(slow)

	for i := 0; i < 10; i++ {
		r.Broadcast(videoMsg(uint32(i*33), byte(i)))
	}

	got := drain(t, slow.Queue)
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	for i, m := range got {
		if want := byte(6 + i); m.Payload[2] != want {
			t.Errorf("position %d: got frame %d, want %d", i, m.Payload[2], want)
		}
	}
	if rec.Count(observe.KindDrop) != 6 {
		t.Errorf("drop events: got %d, want 6", rec.Count(observe.KindDrop))
	}
	if st := r.Stats(); len(st) != 1 || st[0].Dropped != 6 {
		t.Errorf("stats: %+v", st)
	}
}

func TestRelayDisconnectIsolatesSlowSubscriber(t *testing.T) {
	t.Parallel()

	rec := &observe.Recorder{}
	r := New("live/alpha", Options{Policy: Disconnect, Sink: rec})
	slow := newSub("slow", 1, 2)
	fast := newSub("fast", 1, 64)
	_ = r.AddSubscriber(slow)
	_ = r.AddSubscriber(fast)

	var fastGot []*rtmp.Message
	for i := 0; i < 10; i++ {
		r.Broadcast(videoMsg(uint32(i), byte(i)))
		fastGot = append(fastGot, drain(t, fast.Queue)...)
	}

	if !errors.Is(slow.Queue.Err(), ErrSlowSubscriber) {
		t.Errorf("slow queue error: got %v, want ErrSlowSubscriber", slow.Queue.Err())
	}
	if _, err := slow.Queue.Drain(nil); !errors.Is(err, ErrSlowSubscriber) {
		t.Errorf("Drain after disconnect: got %v", err)
	}
	if r.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount: got %d, want 1", r.SubscriberCount())
	}
	if len(fastGot) != 10 {
		t.Fatalf("fast subscriber got %d messages, want 10", len(fastGot))
	}
	for i, m := range fastGot {
		if m.Payload[2] != byte(i) {
			t.Errorf("fast subscriber order broken at %d", i)
		}
	}
	if rec.Count(observe.KindSlowDisconnect) != 1 {
		t.Errorf("disconnect events: got %d, want 1", rec.Count(observe.KindSlowDisconnect))
	}
}

func TestRelayPendingSubscriberAndLateJoiner(t *testing.T) {
	t.Parallel()

	r := New("live/alpha", Options{})
	s1 := newSub("s1", 1, 64)
	if err := r.AddSubscriber(s1); err != nil {
		t.Fatal(err)
	}
	r.PublishStarted()

	msgs := []*rtmp.Message{metaMsg(false)}
	for i := 2; i <= 10; i++ {
		msgs = append(msgs, videoMsg(uint32(i*33), byte(i)))
	}

	s2 := newSub("s2", 1, 64)
	for i, m := range msgs {
		r.Broadcast(m)
		if i == 4 {
			if err := r.AddSubscriber(s2); err != nil {
				t.Fatal(err)
			}
		}
	}

	var media1 []*rtmp.Message
	for _, m := range drain(t, s1.Queue) {
		if m.Kind() != rtmp.KindControl && m.Kind() != rtmp.KindCommand {
			media1 = append(media1, m)
		}
	}
	if len(media1) != 10 {
		t.Errorf("s1: got %d messages, want 10", len(media1))
	}

	got2 := drain(t, s2.Queue)
	if len(got2) != 6 {
		t.Fatalf("s2: got %d messages, want metadata + 5", len(got2))
	}
	if got2[0].Type != rtmp.TypeAMF0Data {
		t.Errorf("s2 first message type %d, want metadata", got2[0].Type)
	}
	for i, m := range got2[1:] {
		if want := byte(6 + i); m.Payload[2] != want {
			t.Errorf("s2 position %d: got message %d, want %d", i+1, m.Payload[2], want)
		}
	}
}

func TestRelayClose(t *testing.T) {
	t.Parallel()

	r := New("live/alpha", Options{})
	_ = r.AddSubscriber(newSub("a", 1, 4))
	if n := r.Close(); n != 1 {
		t.Errorf("Close: got %d, want 1", n)
	}
	if err := r.AddSubscriber(newSub("b", 1, 4)); !errors.Is(err, ErrClosed) {
		t.Errorf("AddSubscriber after Close: got %v, want ErrClosed", err)
	}
	r.Broadcast(videoMsg(0, 0))
}

func TestRelayRepeatedSequenceHeadersStayBounded(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{DropOldest, Disconnect} {
		t.Run(p.Name(), func(t *testing.T) {
			t.Parallel()
			r := New("live/alpha", Options{Policy: p})
			r.PublishStarted()
			stalled := newSub("stalled", 1, 4)
			if err := r.AddSubscriber(stalled); err != nil {
				t.Fatal(err)
			}
			drain(t, stalled.Queue)

			for i := 0; i < 1000; i++ {
				r.Broadcast(avcConfig())
				r.Broadcast(metaMsg(true))
				if n := stalled.Queue.Len(); n > 4 {
					t.Fatalf("after %d headers: Len %d exceeds capacity 4", i+1, n)
				}
			}
			if err := stalled.Queue.Err(); err != nil {
				t.Fatalf("queue closed by coalescable headers: %v", err)
			}
			if got := len(drain(t, stalled.Queue)); got != 2 {
				t.Errorf("queued: got %d, want one sequence header and one metadata", got)
			}
		})
	}
}

func TestRelayHeadersWithStalledMediaStayBounded(t *testing.T) {
	t.Parallel()

	rec := &observe.Recorder{}
	r := New("live/alpha", Options{Policy: DropOldest, Sink: rec})
	stalled := newSub("stalled", 1, 4)
	_ = r.AddSubscriber(stalled)

	for i := 0; i < 200; i++ {
		r.Broadcast(avcConfig())
		r.Broadcast(videoMsg(uint32(i), byte(i)))
		if n := stalled.Queue.Len(); n > 4 {
			t.Fatalf("iteration %d: Len %d exceeds capacity 4", i, n)
		}
	}
	got := drain(t, stalled.Queue)
	headers := 0
	for _, m := range got {
		if rtmp.IsSequenceHeader(m) {
			headers++
		}
	}
	if headers != 1 {
		t.Errorf("sequence headers queued: got %d, want 1", headers)
	}
	if last := got[len(got)-1]; last.Payload[2] != 199 {
		t.Errorf("last message: got frame %d, want 199", last.Payload[2])
	}
	if rec.Count(observe.KindSlowDisconnect) != 0 {
		t.Error("drop-oldest disconnected a subscriber")
	}
}

func TestRelayDisconnectWhenControlCannotFit(t *testing.T) {
	t.Parallel()

	rec := &observe.Recorder{}
	r := New("live/alpha", Options{Policy: DropOldest, Sink: rec})
	s := newSub("s", 1, 2)
	_ = r.AddSubscriber(s)
	_ = s.Queue.Push(rtmp.StreamBegin(1))
	_ = s.Queue.Push(rtmp.StreamBegin(1))

	r.PublishStarted()
	if !errors.Is(s.Queue.Err(), ErrSlowSubscriber) {
		t.Errorf("queue error: got %v, want ErrSlowSubscriber", s.Queue.Err())
	}
	if r.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount: got %d, want 0", r.SubscriberCount())
	}
	if rec.Count(observe.KindSlowDisconnect) != 1 {
		t.Errorf("disconnect events: got %d, want 1", rec.Count(observe.KindSlowDisconnect))
	}
}
