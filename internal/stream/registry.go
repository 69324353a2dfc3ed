// Package stream is the registry of live streams: it binds at most one
// publisher and any number of subscribers to each stream key, hands out
// generation-checked handles, and collects entries that have been idle
// with neither.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/rtmp-relay/internal/observe"
	"github.com/zsiec/rtmp-relay/internal/relay"
)

// Handle identifies one publisher or subscriber slot. Generation pins the
// entry incarnation and Token the slot within it, so a handle kept past an
// entry's collection or its own release is rejected as stale.
type Handle struct {
	Key        string
	Generation uint64
	Token      uint64
}

// SessionRef identifies the connection holding a publisher slot.
type SessionRef struct {
	ID     string
	Remote string
}

// Options configures a Registry.
type Options struct {
	// IdleTimeout is how long an entry with no publisher and no
	// subscribers survives before the sweeper deletes it.
	IdleTimeout time.Duration
	// SweepInterval is the period of the sweeper started by Run.
	SweepInterval time.Duration
	// Policy is the backpressure policy for every relay.
	Policy relay.Policy
	Sink   observe.Sink
	Logger *slog.Logger
}

type publisherSlot struct {
	token   uint64
	session SessionRef
	since   time.Time
}

// Entry is one stream key's state. Its fields are guarded by its own lock;
// the registry map lock is never held while an entry is mutated.
type Entry struct {
	key        string
	generation uint64
	created    time.Time
	relay      *relay.Relay

	mu         sync.Mutex
	publisher  *publisherSlot
	subs       map[uint64]*relay.Subscriber
	lastActive time.Time
	publishes  int
	dead       bool
}

// Key returns the stream key.
func (e *Entry) Key() string { return e.key }

// Generation returns the entry's incarnation number.
func (e *Entry) Generation() uint64 { return e.generation }

// Relay returns the entry's fan-out hub. Publishers feed it directly.
func (e *Entry) Relay() *relay.Relay { return e.relay }

// Info is a point-in-time snapshot of an entry.
type Info struct {
	Key         string
	Generation  uint64
	Publisher   string
	Live        bool
	Subscribers int
	Publishes   int
	Created     time.Time
	LastActive  time.Time
}

func (e *Entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	in := Info{
		Key:         e.key,
		Generation:  e.generation,
		Subscribers: len(e.subs),
		Publishes:   e.publishes,
		Created:     e.created,
		LastActive:  e.lastActive,
	}
	if e.publisher != nil {
		in.Publisher = e.publisher.session.ID
		in.Live = true
	}
	return in
}

// Registry maps stream keys to entries.
type Registry struct {
	log  *slog.Logger
	opts Options
	sink observe.Sink

	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool

	generation atomic.Uint64
	token      atomic.Uint64
}

// NewRegistry creates an empty registry. If opts.Logger is nil,
// slog.Default() is used.
func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = relay.DropOldest
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	return &Registry{
		log:     log.With("component", "stream-registry"),
		opts:    opts,
		sink:    observe.OrNop(opts.Sink),
		entries: make(map[string]*Entry),
	}
}

// acquire returns the live entry for key, creating it if needed, with its
// lock held. Entries marked dead by the sweeper are skipped.
func (r *Registry) acquire(key string) (*Entry, error) {
	for {
		r.mu.RLock()
		e, ok := r.entries[key]
		closed := r.closed
		r.mu.RUnlock()
		if closed {
			return nil, ErrRegistryClosed
		}

		if !ok {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return nil, ErrRegistryClosed
			}
			if e, ok = r.entries[key]; !ok {
				e = r.newEntry(key)
				r.entries[key] = e
				r.log.Debug("stream entry created", "key", key, "generation", e.generation)
			}
			r.mu.Unlock()
		}

		e.mu.Lock()
		if !e.dead {
			return e, nil
		}
		e.mu.Unlock()
		r.forget(e)
	}
}

func (r *Registry) newEntry(key string) *Entry {
	now := time.Now()
	return &Entry{
		key:        key,
		generation: r.generation.Add(1),
		created:    now,
		lastActive: now,
		subs:       make(map[uint64]*relay.Subscriber),
		relay: relay.New(key, relay.Options{
			Policy: r.opts.Policy,
			Sink:   r.sink,
			Logger: r.log,
		}),
	}
}

// forget removes e from the map if it is still the current entry for its key.
func (r *Registry) forget(e *Entry) {
	r.mu.Lock()
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()
}

// resolve returns the entry a handle refers to, locked, or ErrStaleHandle.
func (r *Registry) resolve(h Handle) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[h.Key]
	r.mu.RUnlock()
	if !ok || e.generation != h.Generation {
		return nil, ErrStaleHandle
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil, ErrStaleHandle
	}
	return e, nil
}

// Publish claims the publisher slot of key for ref. A key with subscribers
// waiting becomes live; a key with a live publisher is refused with
// ErrStreamAlreadyActive. The returned entry's relay receives the
// publisher's messages.
func (r *Registry) Publish(key string, ref SessionRef) (Handle, *Entry, error) {
	if key == "" {
		return Handle{}, nil, &PublishError{Key: key, Err: ErrInvalidKey}
	}
	e, err := r.acquire(key)
	if err != nil {
		return Handle{}, nil, &PublishError{Key: key, Err: err}
	}
	defer e.mu.Unlock()

	if e.publisher != nil {
		err := &PublishError{Key: key, Holder: e.publisher.session.ID, Err: ErrStreamAlreadyActive}
		r.sink.Emit(observe.Event{Kind: observe.KindPublishRejected, Session: ref.ID, Stream: key, Remote: ref.Remote, Err: err})
		return Handle{}, nil, err
	}

	now := time.Now()
	tok := r.token.Add(1)
	e.publisher = &publisherSlot{token: tok, session: ref, since: now}
	e.lastActive = now
	e.publishes++
	e.relay.PublishStarted()

	r.sink.Emit(observe.Event{Kind: observe.KindPublishStart, Session: ref.ID, Stream: key, Remote: ref.Remote})
	return Handle{Key: key, Generation: e.generation, Token: tok}, e, nil
}

// Subscribe attaches sub to key. A key with no publisher is created in the
// pending state; sub receives media once a publisher arrives.
func (r *Registry) Subscribe(key string, sub *relay.Subscriber) (Handle, error) {
	if key == "" {
		return Handle{}, &SubscribeError{Key: key, Err: ErrInvalidKey}
	}
	e, err := r.acquire(key)
	if err != nil {
		return Handle{}, &SubscribeError{Key: key, Err: err}
	}
	defer e.mu.Unlock()

	if err := e.relay.AddSubscriber(sub); err != nil {
		err := &SubscribeError{Key: key, Err: err}
		r.sink.Emit(observe.Event{Kind: observe.KindSubscribeRejected, Session: sub.Session, Stream: key, Err: err})
		return Handle{}, err
	}
	tok := r.token.Add(1)
	e.subs[tok] = sub
	e.lastActive = time.Now()

	r.sink.Emit(observe.Event{Kind: observe.KindSubscribeStart, Session: sub.Session, Stream: key, Detail: pendingDetail(e)})
	return Handle{Key: key, Generation: e.generation, Token: tok}, nil
}

func pendingDetail(e *Entry) string {
	if e.publisher == nil {
		return "pending"
	}
	return "live"
}

// Unpublish releases the publisher slot. Every subscriber receives one
// end-of-stream notification and the entry returns to pending; it is
// deleted later by the sweeper if nobody re-attaches.
func (r *Registry) Unpublish(h Handle) error {
	e, err := r.resolve(h)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.publisher == nil || e.publisher.token != h.Token {
		return ErrStaleHandle
	}
	ref := e.publisher.session
	e.publisher = nil
	e.lastActive = time.Now()
	e.relay.EndOfStream()

	r.sink.Emit(observe.Event{Kind: observe.KindPublishStop, Session: ref.ID, Stream: h.Key, Remote: ref.Remote})
	return nil
}

// Unsubscribe detaches a subscriber.
func (r *Registry) Unsubscribe(h Handle) error {
	e, err := r.resolve(h)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	sub, ok := e.subs[h.Token]
	if !ok {
		return ErrStaleHandle
	}
	delete(e.subs, h.Token)
	e.relay.RemoveSubscriber(sub.ID)
	e.lastActive = time.Now()

	r.sink.Emit(observe.Event{Kind: observe.KindSubscribeStop, Session: sub.Session, Stream: h.Key})
	return nil
}

// Lookup returns the current entry for key.
func (r *Registry) Lookup(key string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// List returns a snapshot of every entry.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	return infos
}

// Sweep deletes entries that have had no publisher and no subscribers for
// at least the idle timeout as of now. It returns the number deleted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	swept := 0
	for _, e := range entries {
		e.mu.Lock()
		idle := !e.dead && e.publisher == nil && len(e.subs) == 0 &&
			now.Sub(e.lastActive) >= r.opts.IdleTimeout
		if idle {
			e.dead = true
		}
		e.mu.Unlock()
		if !idle {
			continue
		}

		r.forget(e)
		e.relay.Close()
		swept++
		r.log.Debug("stream entry collected", "key", e.key, "generation", e.generation)
		r.sink.Emit(observe.Event{Kind: observe.KindStreamCollected, Stream: e.key})
	}
	return swept
}

// Run sweeps idle entries every SweepInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.log.Info("idle streams collected", "count", n)
			}
		}
	}
}

// Close rejects further publishes and subscribes and closes every relay.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.closed = true
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.dead = true
		if p := e.publisher; p != nil {
			e.publisher = nil
			r.sink.Emit(observe.Event{Kind: observe.KindPublishStop, Session: p.session.ID, Stream: e.key, Remote: p.session.Remote})
		}
		for tok, sub := range e.subs {
			delete(e.subs, tok)
			r.sink.Emit(observe.Event{Kind: observe.KindSubscribeStop, Session: sub.Session, Stream: e.key})
		}
		e.mu.Unlock()
		e.relay.Close()
	}
}
