package relay

import (
	"errors"
	"sync"

	"github.com/zsiec/rtmp-relay/internal/rtmp"
)

var (
	// ErrClosed is returned by queue operations after Close.
	ErrClosed = errors.New("relay: queue closed")
	// ErrSlowSubscriber closes the queue of a subscriber evicted by the
	// Disconnect policy.
	ErrSlowSubscriber = errors.New("relay: subscriber too slow")
)

// class groups protected media messages that supersede one another: only
// the newest undelivered message of each class is worth sending.
type class uint8

const (
	classNone class = iota
	classMetadata
	classVideoConfig
	classAudioConfig
)

type item struct {
	msg       *rtmp.Message
	size      int
	protected bool
	class     class
}

// Outcome reports what Offer did with a message.
type Outcome struct {
	// Evicted is the number of older messages discarded to make room.
	Evicted int
	// Dropped is true when the offered message itself was discarded.
	Dropped bool
	// Disconnect is true when the policy wants the subscriber removed.
	Disconnect bool
}

// Queue is a bounded FIFO of outbound messages for one connection. The
// producer side never blocks and the bounds hold for every message. When an
// unprotected message does not fit, the configured Policy decides what
// gives. Protected messages (stream control, metadata, codec configuration)
// are never evicted by newer media; metadata and codec configuration
// replace an undelivered predecessor of the same class instead of queueing
// behind it. A queue that protected messages alone would overflow belongs
// to a subscriber that is not reading, and is closed with
// ErrSlowSubscriber.
//
// The consumer waits on Ready and takes everything queued with Drain.
type Queue struct {
	mu       sync.Mutex
	items    []item
	bytes    int
	maxItems int
	maxBytes int

	protectedItems int
	protectedBytes int

	ready  chan struct{}
	done   chan struct{}
	closed bool
	err    error
}

// NewQueue returns a queue holding at most maxItems messages and maxBytes
// payload bytes. Non-positive limits are treated as 1.
func NewQueue(maxItems, maxBytes int) *Queue {
	return &Queue{
		maxItems: max(maxItems, 1),
		maxBytes: max(maxBytes, 1),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues a protected control message. Unprotected messages are
// evicted to make room for it; if protected messages alone leave no room,
// the queue is closed with ErrSlowSubscriber and that error is returned.
func (q *Queue) Push(m *rtmp.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return q.err
	}
	it := item{msg: m, size: len(m.Payload), protected: true}
	if !q.fits(len(q.items), q.bytes, it.size) {
		if !q.evictable(it.size) {
			q.close(ErrSlowSubscriber)
			return ErrSlowSubscriber
		}
		for !q.fits(len(q.items), q.bytes, it.size) && q.evictOldest() {
		}
	}
	q.append(it)
	return nil
}

// Offer enqueues an unprotected message, applying p when the queue is full.
// A closed queue drops the message.
func (q *Queue) Offer(m *rtmp.Message, p Policy) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Outcome{Dropped: true}
	}
	return q.admit(item{msg: m, size: len(m.Payload)}, p)
}

// supersede enqueues protected message m of class c at the tail, first
// removing an undelivered message of the same class. The removed message
// is not counted as a drop.
func (q *Queue) supersede(m *rtmp.Message, c class, p Policy) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Outcome{Dropped: true}
	}
	for i, it := range q.items {
		if it.class == c {
			q.removeAt(i)
			break
		}
	}
	return q.admit(item{msg: m, size: len(m.Payload), protected: true, class: c}, p)
}

func (q *Queue) admit(it item, p Policy) Outcome {
	if q.fits(len(q.items), q.bytes, it.size) {
		q.append(it)
		return Outcome{}
	}
	out := p.overflow(q, it)
	if !out.Dropped && !out.Disconnect {
		q.append(it)
	}
	return out
}

// fits reports whether a message of size bytes can join n queued messages
// totalling b bytes. An empty queue accepts anything so oversized messages
// cannot starve.
func (q *Queue) fits(n, b, size int) bool {
	return n == 0 || (n+1 <= q.maxItems && b+size <= q.maxBytes)
}

func (q *Queue) append(it item) {
	q.items = append(q.items, it)
	q.bytes += it.size
	if it.protected {
		q.protectedItems++
		q.protectedBytes += it.size
	}
	q.signal()
}

// evictable reports whether discarding every unprotected message would
// make room for size bytes.
func (q *Queue) evictable(size int) bool {
	return q.fits(q.protectedItems, q.protectedBytes, size)
}

// evictOldest removes the oldest unprotected message.
func (q *Queue) evictOldest() bool {
	for i, it := range q.items {
		if !it.protected {
			q.removeAt(i)
			return true
		}
	}
	return false
}

func (q *Queue) removeAt(i int) {
	it := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = item{}
	q.items = q.items[:len(q.items)-1]
	q.bytes -= it.size
	if it.protected {
		q.protectedItems--
		q.protectedBytes -= it.size
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when messages are queued or the queue is closed.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain appends every queued message to dst in FIFO order and empties the
// queue. After Close it returns the close error and no messages.
func (q *Queue) Drain(dst []*rtmp.Message) ([]*rtmp.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return dst, q.err
	}
	for _, it := range q.items {
		dst = append(dst, it.msg)
	}
	clear(q.items)
	q.items = q.items[:0]
	q.bytes = 0
	q.protectedItems = 0
	q.protectedBytes = 0
	return dst, nil
}

// Close discards queued messages and makes further Drain calls return err
// (ErrClosed when nil). Only the first call has an effect.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.close(err)
}

func (q *Queue) close(err error) {
	if q.closed {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	q.closed = true
	q.err = err
	q.items = nil
	q.bytes = 0
	q.protectedItems = 0
	q.protectedBytes = 0
	close(q.done)
	q.signal()
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Err returns the close error, or nil while the queue is open.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the queued payload size.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
