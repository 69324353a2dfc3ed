package session

import (
	"errors"
	"strings"

	"github.com/zsiec/rtmp-relay/internal/amf"
	"github.com/zsiec/rtmp-relay/internal/relay"
	"github.com/zsiec/rtmp-relay/internal/rtmp"
	"github.com/zsiec/rtmp-relay/internal/stream"
)

const (
	serverVersion = "FMS/3,0,1,123"
	capabilities  = 31.0
)

func (s *Session) handleCommand(cmd *rtmp.Command, streamID uint32) error {
	s.log.Debug("command", "name", cmd.Name, "transaction", cmd.TransactionID, "stream_id", streamID)

	switch cmd.Name {
	case "connect":
		s.onConnect(cmd)
	case "createStream":
		s.nextStreamID++
		s.push(rtmp.Result(cmd.TransactionID, nil, float64(s.nextStreamID)))
	case "releaseStream", "FCPublish", "FCUnpublish":
		if cmd.Name == "FCUnpublish" && s.pub != nil {
			s.unpublish(true)
		}
		if cmd.TransactionID != 0 {
			s.push(rtmp.Result(cmd.TransactionID, nil, amf.Undefined{}))
		}
	case "publish":
		s.onPublish(cmd, streamID)
	case "play":
		s.onPlay(cmd, streamID)
	case "deleteStream":
		id, _ := cmd.Arg(0).(float64)
		s.releaseStream(uint32(id))
	case "closeStream":
		s.releaseStream(streamID)
	case "getStreamLength":
		s.push(rtmp.Result(cmd.TransactionID, nil, 0.0))
	default:
		s.log.Debug("unhandled command", "name", cmd.Name)
	}
	return nil
}

func (s *Session) onConnect(cmd *rtmp.Command) {
	if !s.transition(RoleUndetermined, RoleControl) {
		s.push(rtmp.ErrorResult(cmd.TransactionID, rtmp.CodeConnectRejected, "Connection already established."))
		return
	}
	s.app, _ = amf.StringProp(cmd.Object, "app")
	s.app = strings.Trim(s.app, "/")
	encoding, _ := amf.NumberProp(cmd.Object, "objectEncoding")
	tcURL, _ := amf.StringProp(cmd.Object, "tcUrl")
	flashVer, _ := amf.StringProp(cmd.Object, "flashVer")
	s.log.Info("connected", "app", s.app, "tc_url", tcURL, "flash_ver", flashVer)

	s.push(rtmp.NewControlMessage(rtmp.WindowAckSize{Size: s.cfg.WindowAckSize}))
	s.push(rtmp.NewControlMessage(rtmp.SetPeerBandwidth{Size: s.cfg.WindowAckSize, LimitType: rtmp.LimitDynamic}))
	if s.cfg.ChunkSize > 0 {
		s.push(rtmp.NewControlMessage(rtmp.SetChunkSize{Size: s.cfg.ChunkSize}))
	}
	s.push(rtmp.Result(cmd.TransactionID,
		amf.Object{
			"fmsVer":       serverVersion,
			"capabilities": capabilities,
			"mode":         1.0,
		},
		amf.Object{
			"level":          rtmp.LevelStatus,
			"code":           rtmp.CodeConnectSuccess,
			"description":    "Connection succeeded.",
			"objectEncoding": encoding,
		},
	))
}

func (s *Session) onPublish(cmd *rtmp.Command, streamID uint32) {
	name, _ := cmd.StringArg(0)
	key := streamKey(s.app, name)

	if !s.transition(RoleControl, RolePublisher) {
		s.push(rtmp.Status(streamID, rtmp.LevelError, rtmp.CodePublishBadName, "Publish not allowed in state "+s.Role().String()+"."))
		return
	}
	h, entry, err := s.registry.Publish(key, stream.SessionRef{ID: s.id, Remote: s.remote})
	if err != nil {
		s.transition(RolePublisher, RoleControl)
		s.log.Warn("publish rejected", "stream", key, "error", err)
		s.push(rtmp.Status(streamID, rtmp.LevelError, rtmp.CodePublishBadName, describe(err)))
		return
	}

	s.pub = &publication{handle: h, entry: entry, streamID: streamID}
	s.key.Store(key)
	s.ts.Reset(streamID)
	s.log.Info("publishing", "stream", key, "stream_id", streamID)

	s.push(rtmp.StreamBegin(streamID))
	s.push(rtmp.Status(streamID, rtmp.LevelStatus, rtmp.CodePublishStart, key+" is now published."))
}

func (s *Session) onPlay(cmd *rtmp.Command, streamID uint32) {
	name, _ := cmd.StringArg(0)
	key := streamKey(s.app, name)

	if !s.transition(RoleControl, RoleSubscriber) {
		s.push(rtmp.Status(streamID, rtmp.LevelError, rtmp.CodePlayFailed, "Play not allowed in state "+s.Role().String()+"."))
		return
	}

	// Replies are queued before subscribing so they precede the cached
	// metadata and live media.
	s.push(rtmp.StreamBegin(streamID))
	s.push(rtmp.Status(streamID, rtmp.LevelStatus, rtmp.CodePlayReset, "Playing and resetting "+key+"."))
	s.push(rtmp.Status(streamID, rtmp.LevelStatus, rtmp.CodePlayStart, "Started playing "+key+"."))
	s.push(rtmp.Status(streamID, rtmp.LevelStatus, rtmp.CodeDataStart, "Started playing "+key+"."))

	sub := relay.NewSubscriber(s.id+"/"+key, s.id, streamID, s.queue)
	h, err := s.registry.Subscribe(key, sub)
	if err != nil {
		s.transition(RoleSubscriber, RoleControl)
		s.log.Warn("play rejected", "stream", key, "error", err)
		s.push(rtmp.Status(streamID, rtmp.LevelError, rtmp.CodePlayFailed, describe(err)))
		return
	}

	s.sub = &subscription{handle: h, streamID: streamID}
	s.key.Store(key)
	s.log.Info("playing", "stream", key, "stream_id", streamID)
}

// releaseStream ends whatever the session does on message stream id.
func (s *Session) releaseStream(id uint32) {
	switch {
	case s.pub != nil && s.pub.streamID == id:
		s.unpublish(true)
	case s.sub != nil && s.sub.streamID == id:
		s.unsubscribe()
		s.transition(RoleSubscriber, RoleControl)
	}
}

// unpublish releases the publisher slot. notify is set when the peer asked
// for it and expects a status reply.
func (s *Session) unpublish(notify bool) {
	p := s.pub
	s.pub = nil
	if err := s.registry.Unpublish(p.handle); err != nil && !errors.Is(err, stream.ErrStaleHandle) {
		s.log.Warn("unpublish failed", "stream", p.handle.Key, "error", err)
	}
	s.ts.Reset(p.streamID)
	s.key.Store("")
	s.transition(RolePublisher, RoleControl)
	s.log.Info("unpublished", "stream", p.handle.Key)
	if notify {
		s.push(rtmp.Status(p.streamID, rtmp.LevelStatus, rtmp.CodeUnpublishSuccess, p.handle.Key+" is now unpublished."))
	}
}

func (s *Session) unsubscribe() {
	sub := s.sub
	s.sub = nil
	if err := s.registry.Unsubscribe(sub.handle); err != nil && !errors.Is(err, stream.ErrStaleHandle) {
		s.log.Warn("unsubscribe failed", "stream", sub.handle.Key, "error", err)
	}
	s.key.Store("")
	s.log.Info("stopped playing", "stream", sub.handle.Key)
}

// streamKey names a stream by application and stream name, ignoring any
// query string encoders append to the name.
func streamKey(app, name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, "/")
	if name == "" {
		return ""
	}
	if app == "" {
		return name
	}
	return app + "/" + name
}

// describe renders a registry error for an onStatus description.
func describe(err error) string {
	switch {
	case errors.Is(err, stream.ErrStreamAlreadyActive):
		return "Stream is already being published."
	case errors.Is(err, stream.ErrInvalidKey):
		return "Missing stream name."
	default:
		return err.Error()
	}
}
