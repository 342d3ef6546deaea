package facontrol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var errConnectionRefused = errors.New("dial unix /run/user/1000/pulse/native: connect: connection refused")

// fakeService is an in-memory audio service. Volumes are stored the way PulseAudio stores them,
// as per-channel native units, so reads go through the same quantization as the real backend
type fakeService struct {
	mu sync.Mutex

	output  *fakeTarget
	input   *fakeTarget
	streams []*fakeStream

	connectErr   error
	connectDelay time.Duration
	requestDelay time.Duration

	connects  int32
	closes    int32
	mutations int32
}

type fakeTarget struct {
	channels byte
	volumes  []uint32
	muted    bool
}

type fakeStream struct {
	fakeTarget

	index uint32
	pid   uint32
	name  string
}

func newFakeService() *fakeService {
	return &fakeService{
		output: newFakeTarget(2, 0.5, false),
		input:  newFakeTarget(1, 0.8, false),
	}
}

func newFakeTarget(channels byte, volume float32, muted bool) *fakeTarget {
	return &fakeTarget{
		channels: channels,
		volumes:  createChannelVolumes(channels, volume),
		muted:    muted,
	}
}

func (f *fakeService) addStream(index, pid uint32, name string, volume float32, muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.streams = append(f.streams, &fakeStream{
		fakeTarget: *newFakeTarget(2, volume, muted),
		index:      index,
		pid:        pid,
		name:       name,
	})
}

func (f *fakeService) connector() connector {
	return func(ctx context.Context) (serviceConn, error) {
		atomic.AddInt32(&f.connects, 1)

		if f.connectDelay > 0 {
			time.Sleep(f.connectDelay)
		}

		if f.connectErr != nil {
			return nil, f.connectErr
		}

		return &fakeConn{service: f}, nil
	}
}

func (f *fakeService) connectCount() int32  { return atomic.LoadInt32(&f.connects) }
func (f *fakeService) closeCount() int32    { return atomic.LoadInt32(&f.closes) }
func (f *fakeService) mutationCount() int32 { return atomic.LoadInt32(&f.mutations) }

type fakeConn struct {
	service *fakeService
}

func (c *fakeConn) wait() {
	if c.service.requestDelay > 0 {
		time.Sleep(c.service.requestDelay)
	}
}

func (c *fakeConn) entries() []streamEntry {
	c.service.mu.Lock()
	defer c.service.mu.Unlock()

	entries := make([]streamEntry, 0, len(c.service.streams))
	for _, s := range c.service.streams {
		entries = append(entries, streamEntry{
			index:  s.index,
			pid:    s.pid,
			name:   s.name,
			volume: parseChannelVolumes(s.volumes),
			muted:  s.muted,
		})
	}

	return entries
}

func (c *fakeConn) resolve(t target) (Session, error) {
	c.wait()

	switch t.kind {
	case targetOutput:
		if c.service.output == nil {
			return nil, NotFound.New("no audio output device available")
		}

		return &fakeSession{service: c.service, target: c.service.output, key: masterSessionName}, nil

	case targetInput:
		if c.service.input == nil {
			return nil, NotFound.New("no audio input device available")
		}

		return &fakeSession{service: c.service, target: c.service.input, key: inputSessionName}, nil

	default:
		idx, ok := findStream(c.entries(), t.id)
		if !ok {
			return nil, notFoundApp(t.id)
		}

		c.service.mu.Lock()
		stream := c.service.streams[idx]
		c.service.mu.Unlock()

		return &fakeSession{service: c.service, target: &stream.fakeTarget, key: stream.name}, nil
	}
}

func (c *fakeConn) sessions() ([]streamEntry, error) {
	c.wait()

	return c.entries(), nil
}

func (c *fakeConn) devices() ([]AudioDeviceInfo, error) {
	c.wait()

	return []AudioDeviceInfo{
		{Name: "alsa_output.pci-0000_00_1f.3.analog-stereo", Type: deviceTypeOutput, Description: "Built-in Audio Analog Stereo", Default: true},
		{Name: "alsa_input.pci-0000_00_1f.3.analog-stereo", Type: deviceTypeInput, Description: "Built-in Audio Analog Stereo", Default: true},
	}, nil
}

func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.service.closes, 1)
	return nil
}

type fakeSession struct {
	service *fakeService
	target  *fakeTarget
	key     string
}

func (s *fakeSession) GetVolume() (float32, error) {
	s.service.mu.Lock()
	defer s.service.mu.Unlock()

	return parseChannelVolumes(s.target.volumes), nil
}

func (s *fakeSession) SetVolume(v float32) error {
	s.service.mu.Lock()
	defer s.service.mu.Unlock()

	atomic.AddInt32(&s.service.mutations, 1)
	s.target.volumes = createChannelVolumes(s.target.channels, v)

	return nil
}

func (s *fakeSession) GetMute() (bool, error) {
	s.service.mu.Lock()
	defer s.service.mu.Unlock()

	return s.target.muted, nil
}

func (s *fakeSession) SetMute(v bool) error {
	s.service.mu.Lock()
	defer s.service.mu.Unlock()

	atomic.AddInt32(&s.service.mutations, 1)
	s.target.muted = v

	return nil
}

func (s *fakeSession) Key() string { return s.key }
func (s *fakeSession) Release()    {}

// newTestConfig returns defaults, optionally adjusted, without touching the filesystem
func newTestConfig(t *testing.T, adjust func(s *Settings)) *CanonicalConfig {
	t.Helper()

	config, err := NewConfig(zap.NewNop().Sugar(), "")
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if adjust != nil {
		config.lock.Lock()
		adjust(&config.settings)
		config.lock.Unlock()
	}

	return config
}

// newTestController wires a controller to service. Tests involving timeouts pass a nop logger,
// since abandoned requests may still log after the test returned
func newTestController(t *testing.T, service *fakeService, platform string, adjust func(s *Settings)) *Controller {
	t.Helper()

	return newTestControllerWithLogger(t, zaptest.NewLogger(t).Sugar(), service, platform, adjust)
}

func newTestControllerWithLogger(t *testing.T, logger *zap.SugaredLogger, service *fakeService, platform string, adjust func(s *Settings)) *Controller {
	t.Helper()

	return newController(logger, newTestConfig(t, adjust), platform, service.connector())
}
