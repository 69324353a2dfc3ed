package rtmp

import "fmt"

const (
	soundFormatAAC   = 10
	videoCodecAVC    = 7
	videoCodecHEVC   = 12
	frameTypeKey     = 1
	exHeaderBit      = 0x80
	exSequenceStart  = 0
	aggregateTagHead = 11
	aggregateTagTail = 4
)

// IsSequenceHeader reports whether m is a codec configuration record (AVC
// decoder configuration or AAC AudioSpecificConfig) that a decoder needs
// before any frames. Enhanced RTMP sequence-start packets are recognised too.
func IsSequenceHeader(m *Message) bool {
	p := m.Payload
	if len(p) < 2 {
		return false
	}
	switch m.Type {
	case TypeAudio:
		return p[0]>>4 == soundFormatAAC && p[1] == 0
	case TypeVideo:
		if p[0]&exHeaderBit != 0 {
			return p[0]&0x0F == exSequenceStart
		}
		codec := p[0] & 0x0F
		return (codec == videoCodecAVC || codec == videoCodecHEVC) && p[1] == 0
	}
	return false
}

// IsKeyframe reports whether m is a video keyframe.
func IsKeyframe(m *Message) bool {
	if m.Type != TypeVideo || len(m.Payload) == 0 {
		return false
	}
	return (m.Payload[0]>>4)&0x07 == frameTypeKey
}

// SplitAggregate expands an aggregate message into its FLV-tag
// sub-messages. Sub-message timestamps keep their offsets relative to the
// first tag, rebased onto the aggregate's own timestamp.
func SplitAggregate(m *Message) ([]*Message, error) {
	var out []*Message
	p := m.Payload
	var first uint32
	for i := 0; len(p) > 0; i++ {
		if len(p) < aggregateTagHead {
			return nil, fmt.Errorf("rtmp: aggregate tag %d: short header (%d bytes)", i, len(p))
		}
		typ := p[0]
		size := getUint24(p[1:4])
		ts := getUint24(p[4:7]) | uint32(p[7])<<24
		need := aggregateTagHead + int(size)
		if len(p) < need {
			return nil, fmt.Errorf("rtmp: aggregate tag %d: body of %d bytes truncated", i, size)
		}
		if i == 0 {
			first = ts
		}
		out = append(out, &Message{
			ChunkStreamID: m.ChunkStreamID,
			Timestamp:     m.Timestamp + (ts - first),
			Type:          typ,
			StreamID:      m.StreamID,
			Payload:       p[aggregateTagHead:need],
		})
		p = p[need:]
		if len(p) >= aggregateTagTail {
			p = p[aggregateTagTail:]
		} else {
			p = nil
		}
	}
	return out, nil
}
