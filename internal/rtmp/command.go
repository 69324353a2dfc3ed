package rtmp

import (
	"errors"
	"fmt"

	"github.com/zsiec/rtmp-relay/internal/amf"
)

// NetConnection and NetStream status codes sent in onStatus and _result.
const (
	CodeConnectSuccess      = "NetConnection.Connect.Success"
	CodeConnectRejected     = "NetConnection.Connect.Rejected"
	CodePublishStart        = "NetStream.Publish.Start"
	CodePublishBadName      = "NetStream.Publish.BadName"
	CodeUnpublishSuccess    = "NetStream.Unpublish.Success"
	CodePlayReset           = "NetStream.Play.Reset"
	CodePlayStart           = "NetStream.Play.Start"
	CodePlayFailed          = "NetStream.Play.Failed"
	CodePlayStop            = "NetStream.Play.Stop"
	CodePlayPublishNotify   = "NetStream.Play.PublishNotify"
	CodePlayUnpublishNotify = "NetStream.Play.UnpublishNotify"
	CodeDataStart           = "NetStream.Data.Start"

	LevelStatus = "status"
	LevelError  = "error"
)

const (
	handlerSetDataFrame = "@setDataFrame"
	// HandlerOnMetaData is the data handler carrying stream metadata.
	HandlerOnMetaData = "onMetaData"
)

// Command is a decoded AMF0 command message.
type Command struct {
	Name          string
	TransactionID float64
	Object        any
	Args          []any
}

// Arg returns the i'th argument after the command object, or nil.
func (c *Command) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// StringArg returns the i'th argument as a string.
func (c *Command) StringArg(i int) (string, bool) {
	s, ok := c.Arg(i).(string)
	return s, ok
}

// ParseCommand decodes a command message. AMF3 command messages are
// accepted when their body is AMF0 behind the leading format byte, which is
// what encoders send in practice.
func ParseCommand(m *Message) (*Command, error) {
	payload := m.Payload
	switch m.Type {
	case TypeAMF0Command:
	case TypeAMF3Command:
		if len(payload) > 0 && payload[0] == 0 {
			payload = payload[1:]
		}
	default:
		return nil, ErrNotCommand
	}

	vals, err := amf.DecodeAll(payload)
	if err != nil {
		return nil, fmt.Errorf("rtmp: decoding command: %w", err)
	}
	if len(vals) == 0 {
		return nil, errors.New("rtmp: empty command")
	}
	name, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("rtmp: command name is %T, not string", vals[0])
	}
	cmd := &Command{Name: name}
	if len(vals) > 1 {
		cmd.TransactionID, _ = vals[1].(float64)
	}
	if len(vals) > 2 {
		cmd.Object = vals[2]
	}
	if len(vals) > 3 {
		cmd.Args = vals[3:]
	}
	return cmd, nil
}

// NewCommand encodes vals as an AMF0 command on message stream streamID.
// Values must be AMF0-encodable; callers only pass literals built here.
func NewCommand(streamID uint32, vals ...any) *Message {
	csid := ChunkStreamCommand
	if streamID != 0 {
		csid = ChunkStreamStatus
	}
	return &Message{
		ChunkStreamID: csid,
		Type:          TypeAMF0Command,
		StreamID:      streamID,
		Payload:       amf.MustEncode(vals...),
	}
}

// Result builds a _result reply for transaction tid.
func Result(tid float64, props any, info any) *Message {
	return NewCommand(0, "_result", tid, props, info)
}

// ErrorResult builds an _error reply for transaction tid.
func ErrorResult(tid float64, code, description string) *Message {
	return NewCommand(0, "_error", tid, nil, statusObject(LevelError, code, description))
}

// Status builds an onStatus notification on message stream streamID.
func Status(streamID uint32, level, code, description string) *Message {
	return NewCommand(streamID, "onStatus", 0.0, nil, statusObject(level, code, description))
}

func statusObject(level, code, description string) amf.Object {
	return amf.Object{
		"level":       level,
		"code":        code,
		"description": description,
	}
}

// UnwrapDataFrame returns the handler name of a data message and its
// payload with any "@setDataFrame" wrapper removed, so that what is cached
// and forwarded is the plain "onMetaData" form players expect.
func UnwrapDataFrame(m *Message) (string, []byte, error) {
	payload := m.Payload
	if m.Type == TypeAMF3Data && len(payload) > 0 && payload[0] == 0 {
		payload = payload[1:]
	}
	d := amf.NewDecoder(payload)
	v, err := d.Decode()
	if err != nil {
		return "", nil, fmt.Errorf("rtmp: decoding data handler: %w", err)
	}
	name, _ := v.(string)
	if name != handlerSetDataFrame {
		return name, payload, nil
	}

	rest := payload[len(payload)-d.Len():]
	v, err = amf.NewDecoder(rest).Decode()
	if err != nil {
		return "", nil, fmt.Errorf("rtmp: decoding wrapped data handler: %w", err)
	}
	name, _ = v.(string)
	return name, rest, nil
}
