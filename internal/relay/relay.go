// Package relay fans one publisher's messages out to many subscribers.
//
// Each subscriber owns a bounded [Queue] drained by its connection's writer
// goroutine. [Relay.Broadcast] enqueues the same message (payload bytes are
// shared, never copied) to every subscriber without blocking; what happens
// to a subscriber that falls behind is decided by the injected [Policy].
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/rtmp-relay/internal/observe"
	"github.com/zsiec/rtmp-relay/internal/rtmp"
)

// ErrDuplicateSubscriber is returned when a subscriber ID is already
// registered on the relay.
var ErrDuplicateSubscriber = errors.New("relay: duplicate subscriber")

// Subscriber is one playback attachment: a connection's outbound queue and
// the message stream ID the player expects frames on.
type Subscriber struct {
	ID       string
	Session  string
	StreamID uint32
	Queue    *Queue

	enqueued atomic.Int64
	dropped  atomic.Int64
}

// NewSubscriber returns a subscriber delivering into q on message stream
// streamID.
func NewSubscriber(id, session string, streamID uint32, q *Queue) *Subscriber {
	return &Subscriber{ID: id, Session: session, StreamID: streamID, Queue: q}
}

// SubscriberStats is a delivery snapshot for one subscriber.
type SubscriberStats struct {
	ID       string
	Session  string
	Enqueued int64
	Dropped  int64
	Queued   int
}

// Options configures a Relay.
type Options struct {
	Policy Policy
	Sink   observe.Sink
	Logger *slog.Logger
}

// Relay is the fan-out hub for a single stream. It caches the latest
// metadata and codec sequence headers so late-joining subscribers can
// decode from the first frame they receive.
type Relay struct {
	key    string
	log    *slog.Logger
	policy Policy
	sink   observe.Sink

	mu          sync.Mutex
	subs        map[string]*Subscriber
	metadata    *rtmp.Message
	videoConfig *rtmp.Message
	audioConfig *rtmp.Message
	live        bool
	closed      bool
}

// New creates a Relay for stream key with no subscribers.
func New(key string, opts Options) *Relay {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	policy := opts.Policy
	if policy == nil {
		policy = DropOldest
	}
	return &Relay{
		key:    key,
		log:    log.With("component", "relay", "stream", key),
		policy: policy,
		sink:   observe.OrNop(opts.Sink),
		subs:   make(map[string]*Subscriber),
	}
}

// Key returns the stream key the relay serves.
func (r *Relay) Key() string { return r.key }

// AddSubscriber queues the cached metadata and sequence headers for s, then
// registers it for live delivery. Both happen under the relay lock so no
// live message can overtake the cached ones.
func (r *Relay) AddSubscriber(s *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.subs[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, s.ID)
	}
	for _, m := range []*rtmp.Message{r.metadata, r.videoConfig, r.audioConfig} {
		if m == nil {
			continue
		}
		o := s.Queue.supersede(forSubscriber(m, s.StreamID), classOf(m), r.policy)
		if o.Disconnect {
			s.Queue.Close(ErrSlowSubscriber)
			return ErrSlowSubscriber
		}
		if err := s.Queue.Err(); err != nil {
			return err
		}
		s.enqueued.Add(1)
	}
	r.subs[s.ID] = s
	r.log.Info("subscriber added", "subscriber", s.ID, "subscribers", len(r.subs))
	return nil
}

// RemoveSubscriber unregisters a subscriber by ID. The subscriber's queue
// belongs to its connection and is left open.
func (r *Relay) RemoveSubscriber(id string) bool {
	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	n := len(r.subs)
	r.mu.Unlock()

	if ok {
		r.log.Info("subscriber removed", "subscriber", id, "subscribers", n)
	}
	return ok
}

// PublishStarted resets the late-join caches for a new publish and tells
// subscribers already waiting on the stream that it has begun.
func (r *Relay) PublishStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata, r.videoConfig, r.audioConfig = nil, nil, nil
	r.live = true
	for _, s := range r.subs {
		r.pushControl(s,
			rtmp.StreamBegin(s.StreamID),
			rtmp.Status(s.StreamID, rtmp.LevelStatus, rtmp.CodePlayPublishNotify, r.key+" is now published."),
		)
	}
}

// EndOfStream delivers one end-of-stream notification to every subscriber
// and clears the caches. Calls without an intervening PublishStarted have
// no effect.
func (r *Relay) EndOfStream() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return
	}
	r.live = false
	r.metadata, r.videoConfig, r.audioConfig = nil, nil, nil
	for _, s := range r.subs {
		r.pushControl(s,
			rtmp.StreamEOF(s.StreamID),
			rtmp.Status(s.StreamID, rtmp.LevelStatus, rtmp.CodePlayUnpublishNotify, r.key+" is now unpublished."),
		)
	}
}

// pushControl runs with r.mu held.
func (r *Relay) pushControl(s *Subscriber, msgs ...*rtmp.Message) {
	for _, m := range msgs {
		if err := s.Queue.Push(m); err != nil {
			if errors.Is(err, ErrSlowSubscriber) {
				r.disconnect(s)
			}
			return
		}
		s.enqueued.Add(1)
	}
}

// disconnect unregisters a subscriber that cannot keep up and closes its
// queue, which ends the owning connection. It runs with r.mu held.
func (r *Relay) disconnect(s *Subscriber) {
	delete(r.subs, s.ID)
	s.Queue.Close(ErrSlowSubscriber)
	s.dropped.Add(1)
	r.sink.Emit(observe.Event{Kind: observe.KindSlowDisconnect, Session: s.Session, Stream: r.key, Detail: r.policy.Name()})
	r.log.Warn("slow subscriber disconnected", "subscriber", s.ID, "policy", r.policy.Name())
}

// classOf returns the supersede class of a protected media message.
func classOf(m *rtmp.Message) class {
	switch m.Type {
	case rtmp.TypeVideo:
		return classVideoConfig
	case rtmp.TypeAudio:
		return classAudioConfig
	default:
		return classMetadata
	}
}

// Broadcast delivers m to every subscriber in publisher order. Metadata and
// sequence headers are cached for late joiners and are never evicted by
// backpressure; a newer one replaces one still waiting in a subscriber's
// queue. Broadcast never blocks on a subscriber.
func (r *Relay) Broadcast(m *rtmp.Message) {
	protected := false
	switch {
	case m.Kind() == rtmp.KindData:
		name, payload, err := rtmp.UnwrapDataFrame(m)
		if err == nil && name == rtmp.HandlerOnMetaData {
			meta := *m
			meta.Type = rtmp.TypeAMF0Data
			meta.Payload = payload
			m = &meta
			protected = true
		}
	case rtmp.IsSequenceHeader(m):
		protected = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	c := classNone
	if protected {
		c = classOf(m)
		switch c {
		case classVideoConfig:
			r.videoConfig = m
		case classAudioConfig:
			r.audioConfig = m
		default:
			r.metadata = m
		}
	}

	for _, s := range r.subs {
		out := forSubscriber(m, s.StreamID)
		var o Outcome
		if protected {
			o = s.Queue.supersede(out, c, r.policy)
		} else {
			o = s.Queue.Offer(out, r.policy)
		}
		switch {
		case o.Disconnect:
			r.disconnect(s)
		case o.Dropped:
			s.dropped.Add(1)
			r.sink.Emit(observe.Event{Kind: observe.KindDrop, Session: s.Session, Stream: r.key, Count: 1})
		default:
			s.enqueued.Add(1)
			if o.Evicted > 0 {
				s.dropped.Add(int64(o.Evicted))
				r.sink.Emit(observe.Event{Kind: observe.KindDrop, Session: s.Session, Stream: r.key, Count: o.Evicted})
			}
		}
	}
}

// forSubscriber returns a header copy of m addressed to a subscriber's
// message stream. The chunk stream is left for the writer to choose.
func forSubscriber(m *rtmp.Message, streamID uint32) *rtmp.Message {
	out := m.WithStreamID(streamID)
	out.ChunkStreamID = 0
	return out
}

// Live reports whether a publisher is currently feeding the relay.
func (r *Relay) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// SubscriberCount returns the number of registered subscribers.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Stats returns delivery counters for every registered subscriber.
func (r *Relay) Stats() []SubscriberStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]SubscriberStats, 0, len(r.subs))
	for _, s := range r.subs {
		stats = append(stats, SubscriberStats{
			ID:       s.ID,
			Session:  s.Session,
			Enqueued: s.enqueued.Load(),
			Dropped:  s.dropped.Load(),
			Queued:   s.Queue.Len(),
		})
	}
	return stats
}

// Close unregisters every subscriber and rejects further additions. It
// returns the number of subscribers that were attached.
func (r *Relay) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.subs)
	r.closed = true
	r.live = false
	clear(r.subs)
	return n
}
