package relay

import "fmt"

// Policy decides what happens when an unprotected message does not fit in
// a subscriber's queue. It is chosen once at startup and shared by every
// relay; the publisher path never blocks under any policy.
type Policy interface {
	Name() string
	// overflow runs with the queue locked.
	overflow(q *Queue, it item) Outcome
}

// DropOldest evicts the oldest unprotected messages until the new one fits.
// If protected messages alone fill the queue, a new unprotected message is
// dropped and a new protected one disconnects the subscriber.
var DropOldest Policy = dropOldest{}

// Disconnect removes a subscriber whose queue overflows and closes its
// queue with ErrSlowSubscriber.
var Disconnect Policy = disconnect{}

type dropOldest struct{}

func (dropOldest) Name() string { return "drop-oldest" }

func (dropOldest) overflow(q *Queue, it item) Outcome {
	if !q.evictable(it.size) {
		if it.protected {
			return Outcome{Disconnect: true}
		}
		return Outcome{Dropped: true}
	}
	var out Outcome
	for !q.fits(len(q.items), q.bytes, it.size) && q.evictOldest() {
		out.Evicted++
	}
	return out
}

type disconnect struct{}

func (disconnect) Name() string { return "disconnect" }

func (disconnect) overflow(*Queue, item) Outcome {
	return Outcome{Disconnect: true}
}

// ParsePolicy maps a configuration name onto a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", DropOldest.Name():
		return DropOldest, nil
	case Disconnect.Name():
		return Disconnect, nil
	default:
		return nil, fmt.Errorf("relay: unknown backpressure policy %q", name)
	}
}
