package rtmp

import "time"

// resyncAfter is the number of consecutive anomalous messages on one track
// after which the resolver accepts the new timeline as the base.
const resyncAfter = 8

type trackKey struct {
	streamID uint32
	typ      uint8
}

type track struct {
	last      uint32
	extended  int64
	anomalies int
}

// TimestampResolver follows the 32-bit wire timestamps of each (message
// stream, message type) track, unwrapping them into a 64-bit
// timeline and rejecting jumps larger than the configured bound. Audio and
// video are tracked separately because their timelines interleave with
// small backward steps.
//
// A TimestampResolver is owned by one session read loop and is not safe for
// concurrent use.
type TimestampResolver struct {
	maxJump int64
	tracks  map[trackKey]*track
}

// NewTimestampResolver returns a resolver rejecting jumps above maxJump.
// A non-positive maxJump disables the check.
func NewTimestampResolver(maxJump time.Duration) *TimestampResolver {
	return &TimestampResolver{
		maxJump: maxJump.Milliseconds(),
		tracks:  make(map[trackKey]*track),
	}
}

// Resolve validates m's timestamp against its track and returns the
// unwrapped timestamp in milliseconds. On *TimestampAnomalyError the caller
// drops m and carries on; the track timeline is left untouched.
func (r *TimestampResolver) Resolve(m *Message) (int64, error) {
	key := trackKey{streamID: m.StreamID, typ: m.Type}
	t := r.tracks[key]
	if t == nil {
		r.tracks[key] = &track{last: m.Timestamp, extended: int64(m.Timestamp)}
		return int64(m.Timestamp), nil
	}

	// Signed distance modulo 2^32.
	jump := int64(int32(m.Timestamp - t.last))
	if r.maxJump > 0 && (jump > r.maxJump || -jump > r.maxJump) {
		t.anomalies++
		if t.anomalies < resyncAfter {
			return 0, &TimestampAnomalyError{
				StreamID: m.StreamID,
				Type:     m.Type,
				Previous: t.last,
				Got:      m.Timestamp,
				JumpMS:   jump,
			}
		}
	}
	t.anomalies = 0
	t.extended += jump
	t.last = m.Timestamp
	return t.extended, nil
}

// Reset forgets all tracks on message stream id, as when a new publish
// starts on it.
func (r *TimestampResolver) Reset(id uint32) {
	for k := range r.tracks {
		if k.streamID == id {
			delete(r.tracks, k)
		}
	}
}
