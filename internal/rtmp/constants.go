package rtmp

// Protocol version carried in C0/S0.
const Version byte = 3

// Chunk size limits (RTMP 1.0 §5.4.1).
const (
	DefaultChunkSize uint32 = 128
	MaxChunkSize     uint32 = 0xFFFFFF
	MaxMessageSize   uint32 = 0xFFFFFF

	extendedTimestamp uint32 = 0xFFFFFF
)

// Message type IDs.
const (
	TypeSetChunkSize     uint8 = 1
	TypeAbort            uint8 = 2
	TypeAcknowledgement  uint8 = 3
	TypeUserControl      uint8 = 4
	TypeWindowAckSize    uint8 = 5
	TypeSetPeerBandwidth uint8 = 6
	TypeAudio            uint8 = 8
	TypeVideo            uint8 = 9
	TypeAMF3Data         uint8 = 15
	TypeAMF3SharedObject uint8 = 16
	TypeAMF3Command      uint8 = 17
	TypeAMF0Data         uint8 = 18
	TypeAMF0SharedObject uint8 = 19
	TypeAMF0Command      uint8 = 20
	TypeAggregate        uint8 = 22
)

// Chunk stream IDs used for outbound messages.
const (
	ChunkStreamControl uint32 = 2
	ChunkStreamCommand uint32 = 3
	ChunkStreamAudio   uint32 = 4
	ChunkStreamStatus  uint32 = 5
	ChunkStreamVideo   uint32 = 6
	ChunkStreamData    uint32 = 7
)

// User control event types.
const (
	EventStreamBegin      uint16 = 0
	EventStreamEOF        uint16 = 1
	EventStreamDry        uint16 = 2
	EventSetBufferLength  uint16 = 3
	EventStreamIsRecorded uint16 = 4
	EventPingRequest      uint16 = 6
	EventPingResponse     uint16 = 7
)

// Set Peer Bandwidth limit types.
const (
	LimitHard    uint8 = 0
	LimitSoft    uint8 = 1
	LimitDynamic uint8 = 2
)

// DefaultChunkStream returns the conventional outbound chunk stream for a
// message type.
func DefaultChunkStream(typ uint8) uint32 {
	switch Classify(typ) {
	case KindControl:
		return ChunkStreamControl
	case KindAudio:
		return ChunkStreamAudio
	case KindVideo, KindAggregate:
		return ChunkStreamVideo
	case KindData:
		return ChunkStreamData
	default:
		return ChunkStreamCommand
	}
}
