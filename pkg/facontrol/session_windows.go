package facontrol

import (
	"fmt"
	"strings"

	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"
)

// wcaSession is one application's audio session on the default output device
type wcaSession struct {
	baseSession

	conn *comConn

	control *wca.IAudioSessionControl2
	volume  *wca.ISimpleAudioVolume
}

// endpointSession is the default output or input device itself
type endpointSession struct {
	baseSession

	conn *comConn

	volume *wca.IAudioEndpointVolume
}

func newWCASession(
	logger *zap.SugaredLogger,
	conn *comConn,
	control *wca.IAudioSessionControl2,
	volume *wca.ISimpleAudioVolume,
	entry streamEntry,
) *wcaSession {

	s := &wcaSession{
		conn:    conn,
		control: control,
		volume:  volume,
	}

	// special treatment for system sounds session
	if entry.pid == 0 {
		s.system = true
		s.name = systemSessionName
		s.humanReadableDesc = "system sounds"
	} else {
		s.name = entry.name
		s.humanReadableDesc = fmt.Sprintf("%s (pid %d)", entry.name, entry.pid)
	}

	// use a self-identifying session name e.g. facontrol.sessions.chrome
	s.logger = logger.Named(strings.TrimSuffix(s.Key(), ".exe"))
	s.logger.Debugw(sessionCreationLogMessage, "session", s)

	return s
}

func newEndpointSession(
	logger *zap.SugaredLogger,
	conn *comConn,
	volume *wca.IAudioEndpointVolume,
	key string,
	deviceName string,
) *endpointSession {

	s := &endpointSession{
		conn:   conn,
		volume: volume,
	}

	s.logger = logger.Named(key)
	s.name = key
	s.humanReadableDesc = key

	if deviceName != "" {
		s.humanReadableDesc = fmt.Sprintf("%s (%s)", key, deviceName)
	}

	s.logger.Debugw(sessionCreationLogMessage, "session", s)

	return s
}

func (s *wcaSession) GetVolume() (float32, error) {
	var level float32

	err := s.conn.do(func() error {
		return s.volume.GetMasterVolume(&level)
	})
	if err != nil {
		s.logger.Warnw("Failed to get session volume", "error", err)
		return 0, fmt.Errorf("get session volume: %w", err)
	}

	return level, nil
}

func (s *wcaSession) SetVolume(v float32) error {
	var state uint32

	err := s.conn.do(func() error {
		if err := s.volume.SetMasterVolume(v, nil); err != nil {
			return fmt.Errorf("adjust session volume: %w", err)
		}

		// the session may have ended under us
		if err := s.control.GetState(&state); err != nil {
			return fmt.Errorf("get session state: %w", err)
		}

		return nil
	})
	if err != nil {
		s.logger.Warnw("Failed to set session volume", "error", err)
		return err
	}

	if state == wca.AudioSessionStateExpired {
		s.logger.Warnw("Audio session expired while setting volume")
		return NotFound.New("audio session %s has expired", s.humanReadableDesc)
	}

	s.logger.Debugw("Adjusting session volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (s *wcaSession) GetMute() (bool, error) {
	var muted bool

	err := s.conn.do(func() error {
		return s.volume.GetMute(&muted)
	})
	if err != nil {
		s.logger.Warnw("Failed to get session mute state", "error", err)
		return false, fmt.Errorf("get session mute: %w", err)
	}

	return muted, nil
}

func (s *wcaSession) SetMute(v bool) error {
	err := s.conn.do(func() error {
		return s.volume.SetMute(v, nil)
	})
	if err != nil {
		s.logger.Warnw("Failed to set session mute state", "error", err)
		return fmt.Errorf("set session mute: %w", err)
	}

	s.logger.Debugw("Setting session mute state", "muted", v)

	return nil
}

// Release leaves the COM interfaces alone, the connection releases everything it handed out on the apartment thread
func (s *wcaSession) Release() {
	s.logger.Debug("Releasing audio session")
}

func (s *endpointSession) GetVolume() (float32, error) {
	var level float32

	err := s.conn.do(func() error {
		return s.volume.GetMasterVolumeLevelScalar(&level)
	})
	if err != nil {
		s.logger.Warnw("Failed to get device volume", "error", err)
		return 0, fmt.Errorf("get device volume: %w", err)
	}

	return level, nil
}

func (s *endpointSession) SetVolume(v float32) error {
	err := s.conn.do(func() error {
		return s.volume.SetMasterVolumeLevelScalar(v, nil)
	})
	if err != nil {
		s.logger.Warnw("Failed to set device volume", "error", err, "volume", v)
		return fmt.Errorf("adjust device volume: %w", err)
	}

	s.logger.Debugw("Adjusting device volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (s *endpointSession) GetMute() (bool, error) {
	var muted bool

	err := s.conn.do(func() error {
		return s.volume.GetMute(&muted)
	})
	if err != nil {
		s.logger.Warnw("Failed to get device mute state", "error", err)
		return false, fmt.Errorf("get device mute: %w", err)
	}

	return muted, nil
}

func (s *endpointSession) SetMute(v bool) error {
	err := s.conn.do(func() error {
		return s.volume.SetMute(v, nil)
	})
	if err != nil {
		s.logger.Warnw("Failed to set device mute state", "error", err)
		return fmt.Errorf("set device mute: %w", err)
	}

	s.logger.Debugw("Setting device mute state", "muted", v)

	return nil
}

func (s *endpointSession) Release() {
	s.logger.Debug("Releasing audio session")
}
