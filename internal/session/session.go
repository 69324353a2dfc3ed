// Package session drives one RTMP connection: handshake, message loop,
// command handling and the outbound writer. A session resolves the
// connection's role and binds it to the stream registry; closing the
// connection releases everything it holds before Serve returns.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtmp-relay/internal/observe"
	"github.com/zsiec/rtmp-relay/internal/relay"
	"github.com/zsiec/rtmp-relay/internal/rtmp"
	"github.com/zsiec/rtmp-relay/internal/stream"
)

// readBufferSize is the bufio size in front of the chunk reader.
const readBufferSize = 64 << 10

// Config holds the per-connection protocol and queue parameters.
type Config struct {
	// ChunkSize is announced to the peer after connect.
	ChunkSize        uint32
	WindowAckSize    uint32
	MaxMessageSize   uint32
	MaxTimestampJump time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the wait for the next inbound message. It is not
	// applied while playing, since players may stay silent for long spans.
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	QueueMessages int
	QueueBytes    int
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	ID               string
	Remote           string
	Role             Role
	Stream           string
	ConnectedAt      time.Time
	Uptime           time.Duration
	BytesReceived    uint64
	MessagesReceived int64
	MessagesSent     int64
	Anomalies        int64
	// MediaTime is the unwrapped timestamp of the last relayed message on
	// the published stream. It keeps growing past the 32-bit wire
	// timestamp's wrap at about 49.7 days.
	MediaTime time.Duration
}

type publication struct {
	handle   stream.Handle
	entry    *stream.Entry
	streamID uint32
}

type subscription struct {
	handle   stream.Handle
	streamID uint32
}

// Session is one accepted connection. Serve must be called exactly once.
type Session struct {
	id       string
	conn     net.Conn
	remote   string
	cfg      Config
	registry *stream.Registry
	sink     observe.Sink
	log      *slog.Logger
	started  time.Time

	queue *relay.Queue
	role  atomic.Int32
	key   atomic.Value

	bytesIn     atomic.Uint64
	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	anomalies   atomic.Int64
	mediaTime   atomic.Int64

	// Owned by the reader goroutine, then by Serve's cleanup once the
	// reader has returned.
	r            *rtmp.Reader
	w            *rtmp.Writer
	ts           *rtmp.TimestampResolver
	app          string
	nextStreamID uint32
	peerWindow   uint32
	lastAck      uint64
	pub          *publication
	sub          *subscription
}

// New wraps an accepted connection. If log is nil, slog.Default() is used.
func New(conn net.Conn, registry *stream.Registry, cfg Config, sink observe.Sink, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	s := &Session{
		id:       id,
		conn:     conn,
		remote:   remote,
		cfg:      cfg,
		registry: registry,
		sink:     observe.OrNop(sink),
		log:      log.With("component", "session", "session", id, "remote", remote),
		started:  time.Now(),
		queue:    relay.NewQueue(cfg.QueueMessages, cfg.QueueBytes),
		ts:       rtmp.NewTimestampResolver(cfg.MaxTimestampJump),
	}
	s.key.Store("")
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Role returns the current role.
func (s *Session) Role() Role { return Role(s.role.Load()) }

func (s *Session) transition(from, to Role) bool {
	if !canTransition(from, to) {
		return false
	}
	return s.role.CompareAndSwap(int32(from), int32(to))
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	key, _ := s.key.Load().(string)
	return Stats{
		ID:               s.id,
		Remote:           s.remote,
		Role:             s.Role(),
		Stream:           key,
		ConnectedAt:      s.started,
		Uptime:           time.Since(s.started),
		BytesReceived:    s.bytesIn.Load(),
		MessagesReceived: s.messagesIn.Load(),
		MessagesSent:     s.messagesOut.Load(),
		Anomalies:        s.anomalies.Load(),
		MediaTime:        time.Duration(s.mediaTime.Load()) * time.Millisecond,
	}
}

// Close closes the connection. Serve notices, releases the session's
// publisher or subscriber slot and returns.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Serve runs the session until the peer disconnects, a fatal protocol
// error occurs or ctx is cancelled. Registry slots held by the session are
// released before Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	s.emit(observe.Event{Kind: observe.KindSessionOpen})

	err := s.serve(ctx)

	s.release()
	s.conn.Close()
	stats := s.Stats()
	s.log.Info("session closed",
		"stream", stats.Stream,
		"bytes_in", stats.BytesReceived,
		"messages_in", stats.MessagesReceived,
		"messages_out", stats.MessagesSent,
		"uptime", stats.Uptime.Round(time.Millisecond),
		"error", err,
	)
	s.emit(observe.Event{Kind: observe.KindSessionClosed, Err: err})
	return err
}

func (s *Session) serve(ctx context.Context) error {
	res, err := rtmp.NewNegotiator(s.cfg.HandshakeTimeout).Negotiate(ctx, s.conn)
	if err != nil {
		s.emit(observe.Event{Kind: observe.KindHandshakeFailed, Err: err})
		return err
	}
	scheme := "simple"
	if res.Complex {
		scheme = "complex"
	}
	s.log.Debug("handshake complete",
		"scheme", scheme,
		"peer_version", fmt.Sprintf("%08x", res.PeerVersion),
		"echo_matched", res.EchoMatched,
		"handshake_ms", time.Since(res.Epoch).Milliseconds(),
	)
	s.emit(observe.Event{Kind: observe.KindHandshake, Detail: scheme})

	s.r = rtmp.NewReader(bufio.NewReaderSize(s.conn, readBufferSize))
	if s.cfg.MaxMessageSize > 0 {
		s.r.SetMaxMessageSize(s.cfg.MaxMessageSize)
	}
	s.w = rtmp.NewWriter(s.conn)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { s.conn.Close() })
	defer stop()

	g.Go(s.guard("reader", func() error {
		defer s.queue.Close(nil)
		return s.readLoop()
	}))
	g.Go(s.guard("writer", func() error {
		defer s.conn.Close()
		return s.writeLoop()
	}))
	g.Go(func() error {
		return s.watchQueue(gctx)
	})
	return g.Wait()
}

// watchQueue ends the connection as soon as backpressure gives up on it.
// The writer may be blocked in Write to a peer that stopped reading and
// would otherwise only notice at the write deadline.
func (s *Session) watchQueue(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.queue.Done():
	}
	err := s.queue.Err()
	if !errors.Is(err, relay.ErrSlowSubscriber) {
		return nil
	}
	s.log.Warn("disconnecting slow subscriber", "stream", s.Stats().Stream)
	s.conn.Close()
	return fmt.Errorf("session: %w", err)
}

// guard turns a panic in fn into an error so one bad connection cannot
// take the process down.
func (s *Session) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("session goroutine panic", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("session: %s panic: %v", name, r)
			}
		}()
		return fn()
	}
}

func (s *Session) readLoop() error {
	for {
		if s.cfg.ReadTimeout > 0 && s.Role() != RoleSubscriber {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		} else {
			s.conn.SetReadDeadline(time.Time{})
		}

		m, err := s.r.ReadMessage()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			var pse *rtmp.ProtocolSyncError
			if errors.As(err, &pse) {
				s.emit(observe.Event{Kind: observe.KindProtocolError, Err: err})
			}
			return fmt.Errorf("session: read: %w", err)
		}
		s.messagesIn.Add(1)
		s.bytesIn.Store(s.r.BytesRead())
		s.acknowledge()

		if err := s.handleMessage(m); err != nil {
			return err
		}
	}
}

// isClosed reports whether err just means the connection went away.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// acknowledge sends an Acknowledgement each time the peer's window of
// inbound bytes has been consumed.
func (s *Session) acknowledge() {
	if s.peerWindow == 0 {
		return
	}
	n := s.r.BytesRead()
	if n-s.lastAck < uint64(s.peerWindow) {
		return
	}
	s.lastAck = n
	s.push(rtmp.NewControlMessage(rtmp.Acknowledgement{SequenceNumber: uint32(n)}))
}

func (s *Session) writeLoop() error {
	var batch []*rtmp.Message
	for {
		<-s.queue.Ready()

		var err error
		batch, err = s.queue.Drain(batch[:0])
		if err != nil {
			if errors.Is(err, relay.ErrClosed) {
				return nil
			}
			return fmt.Errorf("session: %w", err)
		}
		if len(batch) == 0 {
			continue
		}

		if s.cfg.WriteTimeout > 0 {
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		for _, m := range batch {
			if err := s.w.WriteMessage(m); err != nil {
				return writeErr(err)
			}
		}
		if err := s.w.Flush(); err != nil {
			return writeErr(err)
		}
		s.messagesOut.Add(int64(len(batch)))
		clear(batch)
	}
}

func writeErr(err error) error {
	if isClosed(err) {
		return nil
	}
	return fmt.Errorf("session: write: %w", err)
}

// push queues a message generated by the session itself. Replies are
// protected so backpressure never discards them.
func (s *Session) push(m *rtmp.Message) {
	if err := s.queue.Push(m); err != nil {
		s.log.Debug("reply dropped", "message", m.String(), "error", err)
	}
}

func (s *Session) handleMessage(m *rtmp.Message) error {
	switch m.Kind() {
	case rtmp.KindControl:
		return s.handleControl(m)
	case rtmp.KindCommand:
		cmd, err := rtmp.ParseCommand(m)
		if err != nil {
			s.log.Warn("undecodable command", "message", m.String(), "error", err)
			return nil
		}
		return s.handleCommand(cmd, m.StreamID)
	case rtmp.KindData, rtmp.KindAudio, rtmp.KindVideo:
		return s.handleMedia(m)
	case rtmp.KindAggregate:
		parts, err := rtmp.SplitAggregate(m)
		if err != nil {
			s.log.Warn("malformed aggregate dropped", "error", err)
			return nil
		}
		for _, p := range parts {
			if err := s.handleMedia(p); err != nil {
				return err
			}
		}
		return nil
	default:
		s.log.Debug("ignoring message", "message", m.String())
		return nil
	}
}

func (s *Session) handleControl(m *rtmp.Message) error {
	c, err := rtmp.DecodeControl(m)
	if err != nil {
		s.log.Warn("undecodable control message", "message", m.String(), "error", err)
		return nil
	}
	switch c := c.(type) {
	case rtmp.WindowAckSize:
		s.peerWindow = c.Size
	case rtmp.UserControl:
		if c.Event == rtmp.EventPingRequest {
			s.push(rtmp.NewControlMessage(rtmp.UserControl{Event: rtmp.EventPingResponse, Value: c.Value}))
		}
	case rtmp.SetChunkSize:
		s.log.Debug("peer chunk size", "size", c.Size)
	}
	return nil
}

// handleMedia forwards audio, video and data messages of the stream being
// published. Anything else is dropped.
func (s *Session) handleMedia(m *rtmp.Message) error {
	if s.pub == nil || m.StreamID != s.pub.streamID {
		s.log.Debug("media outside a publish dropped", "message", m.String())
		return nil
	}
	ts, err := s.ts.Resolve(m)
	if err != nil {
		if rtmp.IsFatal(err) {
			return err
		}
		s.anomalies.Add(1)
		s.emit(observe.Event{Kind: observe.KindTimestampAnomaly, Stream: s.pub.handle.Key, Err: err})
		return nil
	}
	// The wire timestamp is the resolved one modulo 2^32, so m is relayed
	// unchanged.
	s.mediaTime.Store(ts)
	s.pub.entry.Relay().Broadcast(m)
	return nil
}

// release gives back any registry slot and discards the outbound queue.
func (s *Session) release() {
	if s.pub != nil {
		s.unpublish(false)
	}
	if s.sub != nil {
		s.unsubscribe()
	}
	s.queue.Close(nil)
	s.role.Store(int32(RoleClosed))
}

func (s *Session) emit(e observe.Event) {
	e.Session = s.id
	e.Remote = s.remote
	s.sink.Emit(e)
}
