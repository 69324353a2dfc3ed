package rtmp

import "fmt"

// Message is one reassembled RTMP message. Payload is owned by the message
// once returned from [Reader.ReadMessage] and must be treated as immutable
// after it is handed to the relay, which shares it across subscribers.
type Message struct {
	ChunkStreamID uint32
	Timestamp     uint32
	Type          uint8
	StreamID      uint32
	Payload       []byte
}

// Kind reports the classification of the message type.
func (m *Message) Kind() Kind {
	return Classify(m.Type)
}

// WithStreamID returns a shallow copy of m carrying a different message
// stream ID. The payload is shared.
func (m *Message) WithStreamID(id uint32) *Message {
	c := *m
	c.StreamID = id
	return &c
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(type=%d csid=%d msid=%d ts=%d len=%d)",
		m.Kind(), m.Type, m.ChunkStreamID, m.StreamID, m.Timestamp, len(m.Payload))
}

// Kind is the closed set of message categories the session layer routes on.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindControl
	KindCommand
	KindData
	KindAudio
	KindVideo
	KindAggregate
	KindSharedObject
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindCommand:
		return "command"
	case KindData:
		return "data"
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindAggregate:
		return "aggregate"
	case KindSharedObject:
		return "shared-object"
	default:
		return "unknown"
	}
}

// IsMedia reports whether the kind carries audio or video frames.
func (k Kind) IsMedia() bool {
	return k == KindAudio || k == KindVideo
}

// Classify maps a message type ID onto its Kind.
func Classify(typ uint8) Kind {
	switch typ {
	case TypeSetChunkSize, TypeAbort, TypeAcknowledgement, TypeUserControl,
		TypeWindowAckSize, TypeSetPeerBandwidth:
		return KindControl
	case TypeAMF0Command, TypeAMF3Command:
		return KindCommand
	case TypeAMF0Data, TypeAMF3Data:
		return KindData
	case TypeAudio:
		return KindAudio
	case TypeVideo:
		return KindVideo
	case TypeAggregate:
		return KindAggregate
	case TypeAMF0SharedObject, TypeAMF3SharedObject:
		return KindSharedObject
	default:
		return KindUnknown
	}
}
