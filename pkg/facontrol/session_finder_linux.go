package facontrol

import (
	"context"
	"fmt"
	"net"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/facontrol/facontrol/pkg/facontrol/util"
)

type paConn struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn
}

func newConnector(logger *zap.SugaredLogger, config *CanonicalConfig) connector {
	logger = logger.Named("session_finder")

	return func(ctx context.Context) (serviceConn, error) {
		settings := config.Current()

		client, conn, err := proto.Connect(settings.Server)
		if err != nil {
			logger.Warnw("Failed to establish PulseAudio connection", "server", settings.Server, "error", err)
			return nil, ConnectionError.Wrap(err, "establish PulseAudio connection")
		}

		// the driver gave up on us while connecting
		if err := ctx.Err(); err != nil {
			conn.Close()
			return nil, ConnectionError.Wrap(err, "establish PulseAudio connection")
		}

		request := proto.SetClientName{
			Props: proto.PropList{
				"application.name": proto.PropListString(settings.ClientName),
			},
		}
		reply := proto.SetClientNameReply{}

		if err := client.Request(&request, &reply); err != nil {
			conn.Close()
			logger.Warnw("Failed to set PulseAudio client name", "error", err)
			return nil, ConnectionError.Wrap(err, "set PulseAudio client name")
		}

		pc := &paConn{
			logger:        logger,
			sessionLogger: logger.Named("sessions"),
			client:        client,
			conn:          conn,
		}

		pc.logger.Debugw("Connected to PulseAudio", "clientIndex", reply.ClientIndex)

		return pc, nil
	}
}

func (pc *paConn) Close() error {
	if err := pc.conn.Close(); err != nil {
		pc.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	pc.logger.Debug("Closed PulseAudio connection")

	return nil
}

func (pc *paConn) resolve(t target) (Session, error) {
	switch t.kind {
	case targetOutput:
		return pc.resolveDefaultSink()
	case targetInput:
		return pc.resolveDefaultSource()
	default:
		return pc.resolveSinkInput(t.id)
	}
}

func (pc *paConn) sessions() ([]streamEntry, error) {
	infos, err := pc.sinkInputs()
	if err != nil {
		return nil, err
	}

	entries := make([]streamEntry, 0, len(infos))

	for _, info := range infos {
		entries = append(entries, sinkInputEntry(info))
	}

	return entries, nil
}

func (pc *paConn) devices() ([]AudioDeviceInfo, error) {
	defaultSink, defaultSource := pc.defaultNames()
	devices := []AudioDeviceInfo{}

	sinks, err := pc.sinks()
	if err != nil {
		return nil, err
	}

	for _, sink := range sinks {
		name := sink.SinkName
		if name == "" {
			name = fmt.Sprintf("Sink %d", sink.SinkIndex)
		}

		devices = append(devices, AudioDeviceInfo{
			Name:        name,
			Type:        deviceTypeOutput,
			Description: property(sink.Properties, "device.description"),
			Default:     sink.SinkName == defaultSink,
		})
	}

	sources, err := pc.sources()
	if err != nil {
		return nil, err
	}

	for _, source := range sources {
		name := source.SourceName
		if name == "" {
			name = fmt.Sprintf("Source %d", source.SourceIndex)
		}

		devices = append(devices, AudioDeviceInfo{
			Name:        name,
			Type:        deviceTypeInput,
			Description: property(source.Properties, "device.description"),
			Default:     source.SourceName == defaultSource,
		})
	}

	return devices, nil
}

// defaultNames asks the server for its default sink and source names. Failing that, both are empty
// and callers settle for the first enumerated device
func (pc *paConn) defaultNames() (string, string) {
	request := proto.GetServerInfo{}
	reply := proto.GetServerInfoReply{}

	if err := pc.client.Request(&request, &reply); err != nil {
		pc.logger.Debugw("Failed to get server info, falling back to first device", "error", err)
		return "", ""
	}

	return reply.DefaultSinkName, reply.DefaultSourceName
}

func (pc *paConn) resolveDefaultSink() (Session, error) {
	defaultSink, _ := pc.defaultNames()

	sinks, err := pc.sinks()
	if err != nil {
		return nil, err
	}

	names := make([]string, len(sinks))
	for i, sink := range sinks {
		names[i] = sink.SinkName
	}

	idx, ok := pickDefault(names, defaultSink)
	if !ok {
		return nil, NotFound.New("no audio output device available")
	}

	sink := sinks[idx]

	return newPAStream(pc.sessionLogger, pc.client, paSink, sink.SinkIndex, sink.Channels, masterSessionName), nil
}

func (pc *paConn) resolveDefaultSource() (Session, error) {
	_, defaultSource := pc.defaultNames()

	sources, err := pc.sources()
	if err != nil {
		return nil, err
	}

	names := make([]string, len(sources))
	for i, source := range sources {
		names[i] = source.SourceName
	}

	idx, ok := pickDefault(names, defaultSource)
	if !ok {
		return nil, NotFound.New("no audio input device available")
	}

	source := sources[idx]

	return newPAStream(pc.sessionLogger, pc.client, paSource, source.SourceIndex, source.Channels, inputSessionName), nil
}

func (pc *paConn) resolveSinkInput(id uint32) (Session, error) {
	infos, err := pc.sinkInputs()
	if err != nil {
		return nil, err
	}

	entries := make([]streamEntry, len(infos))
	for i, info := range infos {
		entries[i] = sinkInputEntry(info)
	}

	idx, ok := findStream(entries, id)
	if !ok {
		return nil, notFoundApp(id)
	}

	info := infos[idx]

	return newPAStream(pc.sessionLogger, pc.client, paSinkInput, info.SinkInputIndex, info.Channels, entries[idx].name), nil
}

func (pc *paConn) sinks() ([]*proto.GetSinkInfoReply, error) {
	request := proto.GetSinkInfoList{}
	reply := proto.GetSinkInfoListReply{}

	if err := pc.client.Request(&request, &reply); err != nil {
		pc.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	sinks := make([]*proto.GetSinkInfoReply, 0, len(reply))
	for _, sink := range reply {
		if sink != nil {
			sinks = append(sinks, sink)
		}
	}

	return sinks, nil
}

func (pc *paConn) sources() ([]*proto.GetSourceInfoReply, error) {
	request := proto.GetSourceInfoList{}
	reply := proto.GetSourceInfoListReply{}

	if err := pc.client.Request(&request, &reply); err != nil {
		pc.logger.Warnw("Failed to get source list", "error", err)
		return nil, fmt.Errorf("get source list: %w", err)
	}

	return captureSources(reply), nil
}

// captureSources leaves out monitor sources, they mirror a sink rather than capture anything
func captureSources(reply proto.GetSourceInfoListReply) []*proto.GetSourceInfoReply {
	sources := make([]*proto.GetSourceInfoReply, 0, len(reply))
	for _, source := range reply {
		if source == nil || source.MonitorSourceIndex != proto.Undefined {
			continue
		}

		sources = append(sources, source)
	}

	return sources
}

func (pc *paConn) sinkInputs() ([]*proto.GetSinkInputInfoReply, error) {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if err := pc.client.Request(&request, &reply); err != nil {
		pc.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	infos := make([]*proto.GetSinkInputInfoReply, 0, len(reply))
	for _, info := range reply {
		if info != nil {
			infos = append(infos, info)
		}
	}

	return infos, nil
}

func sinkInputEntry(info *proto.GetSinkInputInfoReply) streamEntry {
	pid := parsePID(property(info.Properties, "application.process.id"))

	var processName string
	if pid != 0 {
		processName, _ = util.ProcessName(int(pid))
	}

	return streamEntry{
		index: info.SinkInputIndex,
		pid:   pid,
		name: pickName(
			property(info.Properties, "application.name"),
			property(info.Properties, "application.process.binary"),
			processName,
			info.MediaName,
		),
		volume: parseChannelVolumes(info.ChannelVolumes),
		muted:  info.Muted,
	}
}

func property(props proto.PropList, key string) string {
	if value, ok := props[key]; ok {
		return value.String()
	}

	return ""
}
