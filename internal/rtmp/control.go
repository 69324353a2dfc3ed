package rtmp

import (
	"encoding/binary"
	"fmt"
)

// Control is a decoded protocol control message. The set of
// implementations is closed.
type Control interface {
	messageType() uint8
	appendPayload(dst []byte) []byte
}

type SetChunkSize struct{ Size uint32 }

type Abort struct{ ChunkStreamID uint32 }

type Acknowledgement struct{ SequenceNumber uint32 }

type WindowAckSize struct{ Size uint32 }

type SetPeerBandwidth struct {
	Size      uint32
	LimitType uint8
}

// UserControl carries a user control event. Value is the message stream
// ID for stream events and the timestamp for ping events. BufferLength is
// only meaningful for EventSetBufferLength.
type UserControl struct {
	Event        uint16
	Value        uint32
	BufferLength uint32
}

func (SetChunkSize) messageType() uint8     { return TypeSetChunkSize }
func (Abort) messageType() uint8            { return TypeAbort }
func (Acknowledgement) messageType() uint8  { return TypeAcknowledgement }
func (WindowAckSize) messageType() uint8    { return TypeWindowAckSize }
func (SetPeerBandwidth) messageType() uint8 { return TypeSetPeerBandwidth }
func (UserControl) messageType() uint8      { return TypeUserControl }

func (c SetChunkSize) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, c.Size&0x7FFFFFFF)
}

func (c Abort) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, c.ChunkStreamID)
}

func (c Acknowledgement) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, c.SequenceNumber)
}

func (c WindowAckSize) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, c.Size)
}

func (c SetPeerBandwidth) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, c.Size)
	return append(dst, c.LimitType)
}

func (c UserControl) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, c.Event)
	dst = binary.BigEndian.AppendUint32(dst, c.Value)
	if c.Event == EventSetBufferLength {
		dst = binary.BigEndian.AppendUint32(dst, c.BufferLength)
	}
	return dst
}

// NewControlMessage encodes c as a message on the control chunk stream.
// Protocol control messages always travel on message stream 0.
func NewControlMessage(c Control) *Message {
	return &Message{
		ChunkStreamID: ChunkStreamControl,
		Type:          c.messageType(),
		Payload:       c.appendPayload(make([]byte, 0, 10)),
	}
}

// StreamBegin builds the user control event announcing stream id.
func StreamBegin(id uint32) *Message {
	return NewControlMessage(UserControl{Event: EventStreamBegin, Value: id})
}

// StreamEOF builds the user control event ending stream id.
func StreamEOF(id uint32) *Message {
	return NewControlMessage(UserControl{Event: EventStreamEOF, Value: id})
}

// DecodeControl decodes a protocol control message. The message kind must
// be KindControl.
func DecodeControl(m *Message) (Control, error) {
	p := m.Payload
	need := func(n int) error {
		if len(p) < n {
			return fmt.Errorf("%w: type %d needs %d bytes, got %d", ErrShortPayload, m.Type, n, len(p))
		}
		return nil
	}

	switch m.Type {
	case TypeSetChunkSize:
		if err := need(4); err != nil {
			return nil, err
		}
		return SetChunkSize{Size: binary.BigEndian.Uint32(p) & 0x7FFFFFFF}, nil
	case TypeAbort:
		if err := need(4); err != nil {
			return nil, err
		}
		return Abort{ChunkStreamID: binary.BigEndian.Uint32(p)}, nil
	case TypeAcknowledgement:
		if err := need(4); err != nil {
			return nil, err
		}
		return Acknowledgement{SequenceNumber: binary.BigEndian.Uint32(p)}, nil
	case TypeWindowAckSize:
		if err := need(4); err != nil {
			return nil, err
		}
		return WindowAckSize{Size: binary.BigEndian.Uint32(p)}, nil
	case TypeSetPeerBandwidth:
		if err := need(5); err != nil {
			return nil, err
		}
		return SetPeerBandwidth{Size: binary.BigEndian.Uint32(p), LimitType: p[4]}, nil
	case TypeUserControl:
		if err := need(2); err != nil {
			return nil, err
		}
		uc := UserControl{Event: binary.BigEndian.Uint16(p)}
		if len(p) >= 6 {
			uc.Value = binary.BigEndian.Uint32(p[2:])
		}
		if uc.Event == EventSetBufferLength && len(p) >= 10 {
			uc.BufferLength = binary.BigEndian.Uint32(p[6:])
		}
		return uc, nil
	default:
		return nil, fmt.Errorf("rtmp: message type %d is not a control message", m.Type)
	}
}
