package facontrol

import (
	"fmt"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// paStreamKind selects which family of PulseAudio requests addresses a stream
type paStreamKind int

const (
	paSinkInput paStreamKind = iota
	paSink
	paSource
)

func (k paStreamKind) String() string {
	switch k {
	case paSink:
		return "sink"
	case paSource:
		return "source"
	default:
		return "sink input"
	}
}

// paStream is anything PulseAudio keeps a volume and a mute flag for: an application's
// playback stream (sink input) or a device (sink or source). State is never cached, every read asks the server
type paStream struct {
	baseSession

	client *proto.Client

	kind     paStreamKind
	index    uint32
	channels byte
}

func newPAStream(
	logger *zap.SugaredLogger,
	client *proto.Client,
	kind paStreamKind,
	index uint32,
	channels byte,
	name string,
) *paStream {
	s := &paStream{
		client:   client,
		kind:     kind,
		index:    index,
		channels: channels,
	}

	s.name = name
	s.humanReadableDesc = fmt.Sprintf("%s, %s %d", name, kind, index)

	// e.g. facontrol.session_finder.sessions.firefox
	s.logger = logger.Named(s.Key())
	s.logger.Debugw(sessionCreationLogMessage, "session", s)

	return s
}

// query fetches the stream's current channel volumes and mute flag in a single round trip
func (s *paStream) query() (proto.ChannelVolumes, bool, error) {
	switch s.kind {
	case paSink:
		reply := proto.GetSinkInfoReply{}
		if err := s.client.Request(&proto.GetSinkInfo{SinkIndex: s.index}, &reply); err != nil {
			return nil, false, s.failed("get", err)
		}

		return reply.ChannelVolumes, reply.Mute, nil

	case paSource:
		reply := proto.GetSourceInfoReply{}
		if err := s.client.Request(&proto.GetSourceInfo{SourceIndex: s.index}, &reply); err != nil {
			return nil, false, s.failed("get", err)
		}

		return reply.ChannelVolumes, reply.Mute, nil

	default:
		reply := proto.GetSinkInputInfoReply{}
		if err := s.client.Request(&proto.GetSinkInputInfo{SinkInputIndex: s.index}, &reply); err != nil {
			return nil, false, s.failed("get", err)
		}

		return reply.ChannelVolumes, reply.Muted, nil
	}
}

func (s *paStream) volumeRequest(volumes proto.ChannelVolumes) proto.RequestArgs {
	switch s.kind {
	case paSink:
		return &proto.SetSinkVolume{SinkIndex: s.index, ChannelVolumes: volumes}
	case paSource:
		return &proto.SetSourceVolume{SourceIndex: s.index, ChannelVolumes: volumes}
	default:
		return &proto.SetSinkInputVolume{SinkInputIndex: s.index, ChannelVolumes: volumes}
	}
}

func (s *paStream) muteRequest(muted bool) proto.RequestArgs {
	switch s.kind {
	case paSink:
		return &proto.SetSinkMute{SinkIndex: s.index, Mute: muted}
	case paSource:
		return &proto.SetSourceMute{SourceIndex: s.index, Mute: muted}
	default:
		return &proto.SetSinkInputMute{SinkInputIndex: s.index, Mute: muted}
	}
}

func (s *paStream) failed(verb string, err error) error {
	s.logger.Warnw("PulseAudio request failed", "kind", s.kind, "index", s.index, "verb", verb, "error", err)
	return fmt.Errorf("%s %s %d: %w", verb, s.kind, s.index, err)
}

func (s *paStream) GetVolume() (float32, error) {
	volumes, _, err := s.query()
	if err != nil {
		return 0, err
	}

	return parseChannelVolumes(volumes), nil
}

// SetVolume writes the same level to every channel the stream actually has
func (s *paStream) SetVolume(v float32) error {
	if err := s.client.Request(s.volumeRequest(createChannelVolumes(s.channels, v)), nil); err != nil {
		return s.failed("set volume of", err)
	}

	s.logger.Debugw("Adjusted volume", "to", fmt.Sprintf("%.2f", v), "channels", s.channels)

	return nil
}

func (s *paStream) GetMute() (bool, error) {
	_, muted, err := s.query()
	if err != nil {
		return false, err
	}

	return muted, nil
}

func (s *paStream) SetMute(v bool) error {
	if err := s.client.Request(s.muteRequest(v), nil); err != nil {
		return s.failed("set mute of", err)
	}

	s.logger.Debugw("Adjusted mute state", "muted", v)

	return nil
}

// Release has nothing to free: the connection that resolved the stream owns it
func (s *paStream) Release() {
	s.logger.Debug("Releasing audio session")
}
