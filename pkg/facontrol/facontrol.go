// Package facontrol provides per-application and per-device audio volume and mute control
// on top of the host's audio service: PulseAudio on Linux, Core Audio on Windows.
// Every operation connects, performs a single query or command and disconnects
package facontrol

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Controller is the entry point for every audio operation. It holds no connection or session state
// between calls, so it's safe for concurrent use
type Controller struct {
	logger   *zap.SugaredLogger
	config   *CanonicalConfig
	driver   *driver
	platform string
}

// NewController creates a Controller bound to the current platform's audio backend
func NewController(logger *zap.SugaredLogger, config *CanonicalConfig) *Controller {
	return newController(logger, config, GetPlatform(), newConnector(logger, config))
}

func newController(logger *zap.SugaredLogger, config *CanonicalConfig, platform string, connect connector) *Controller {
	logger = logger.Named("facontrol")

	c := &Controller{
		logger:   logger,
		config:   config,
		driver:   newDriver(logger, config, connect),
		platform: platform,
	}

	logger.Debugw("Created controller instance", "platform", platform)

	return c
}

// Platform reports the backend this controller drives
func (c *Controller) Platform() string {
	return c.platform
}

// GetMasterVolume returns the master volume in [0, 1]
func (c *Controller) GetMasterVolume() (float64, error) {
	mode, err := c.masterMode()
	if err != nil {
		return 0, err
	}

	if mode == MasterControlSessions {
		return c.getSessionsMasterVolume()
	}

	return c.getVolume(outputTarget)
}

// SetMasterVolume sets the master volume, v must be within [0, 1]
func (c *Controller) SetMasterVolume(v float64) error {
	if err := c.checkPlatform(); err != nil {
		return err
	}

	if err := validateVolume(v); err != nil {
		return err
	}

	mode, err := c.masterMode()
	if err != nil {
		return err
	}

	if mode == MasterControlSessions {
		return c.setSessionsMaster(func(s Session) error { return s.SetVolume(float32(v)) })
	}

	_, err = c.setVolume(outputTarget, v)
	return err
}

// IsMasterMuted reports whether the master output is muted
func (c *Controller) IsMasterMuted() (bool, error) {
	mode, err := c.masterMode()
	if err != nil {
		return false, err
	}

	if mode == MasterControlSessions {
		return c.isSessionsMasterMuted()
	}

	return c.getMute(outputTarget)
}

// SetMasterMute mutes or unmutes the master output
func (c *Controller) SetMasterMute(muted bool) error {
	mode, err := c.masterMode()
	if err != nil {
		return err
	}

	if mode == MasterControlSessions {
		return c.setSessionsMaster(func(s Session) error { return s.SetMute(muted) })
	}

	return c.setMute(outputTarget, muted)
}

// ToggleMasterMute flips the master mute state and returns the new one
func (c *Controller) ToggleMasterMute() (bool, error) {
	mode, err := c.masterMode()
	if err != nil {
		return false, err
	}

	if mode == MasterControlSessions {
		muted, err := c.isSessionsMasterMuted()
		if err != nil {
			return false, err
		}

		if err := c.setSessionsMaster(func(s Session) error { return s.SetMute(!muted) }); err != nil {
			return false, err
		}

		return !muted, nil
	}

	return c.toggleMute(outputTarget)
}

// GetMicrophoneVolume returns the default input device's volume in [0, 1]
func (c *Controller) GetMicrophoneVolume() (float64, error) {
	if err := c.checkPlatform(); err != nil {
		return 0, err
	}

	return c.getVolume(inputTarget)
}

// SetMicrophoneVolume sets the default input device's volume, v must be within [0, 1]
func (c *Controller) SetMicrophoneVolume(v float64) error {
	if err := c.checkPlatform(); err != nil {
		return err
	}

	_, err := c.setVolume(inputTarget, v)
	return err
}

// IsMicrophoneMuted reports whether the default input device is muted
func (c *Controller) IsMicrophoneMuted() (bool, error) {
	if err := c.checkPlatform(); err != nil {
		return false, err
	}

	return c.getMute(inputTarget)
}

// SetMicrophoneMute mutes or unmutes the default input device
func (c *Controller) SetMicrophoneMute(muted bool) error {
	if err := c.checkPlatform(); err != nil {
		return err
	}

	return c.setMute(inputTarget, muted)
}

// ToggleMicrophoneMute flips the default input device's mute state and returns the new one
func (c *Controller) ToggleMicrophoneMute() (bool, error) {
	if err := c.checkPlatform(); err != nil {
		return false, err
	}

	return c.toggleMute(inputTarget)
}

// GetAppVolume returns the volume of the session whose effective id is pid
func (c *Controller) GetAppVolume(pid uint32) (float64, error) {
	if err := c.checkPlatform(); err != nil {
		return 0, err
	}

	return c.getVolume(appTarget(pid))
}

// SetAppVolume sets the volume of the session whose effective id is pid. It reports true once the change was applied
func (c *Controller) SetAppVolume(pid uint32, v float64) (bool, error) {
	if err := c.checkPlatform(); err != nil {
		return false, err
	}

	return c.setVolume(appTarget(pid), v)
}

// IsAppMuted reports whether the session whose effective id is pid is muted
func (c *Controller) IsAppMuted(pid uint32) (bool, error) {
	if err := c.checkPlatform(); err != nil {
		return false, err
	}

	return c.getMute(appTarget(pid))
}

// SetAppMute mutes or unmutes the session whose effective id is pid
func (c *Controller) SetAppMute(pid uint32, muted bool) error {
	if err := c.checkPlatform(); err != nil {
		return err
	}

	return c.setMute(appTarget(pid), muted)
}

// GetActiveAudioApps lists every active application session. No sessions yields an empty list, not an error
func (c *Controller) GetActiveAudioApps() ([]AppInfo, error) {
	if err := c.checkPlatform(); err != nil {
		return nil, err
	}

	entries, err := perform(c.driver, c.enumerateTimeout(), func(conn serviceConn) ([]streamEntry, error) {
		return conn.sessions()
	})
	if err != nil {
		c.logger.Warnw("Failed to list audio sessions", "error", err)
		return nil, err
	}

	apps := appInfos(entries)
	c.logger.Debugw("Listed audio sessions", "count", len(apps))

	return apps, nil
}

// GetAudioDevices lists every output and input device known to the audio service
func (c *Controller) GetAudioDevices() ([]AudioDeviceInfo, error) {
	if err := c.checkPlatform(); err != nil {
		return nil, err
	}

	devices, err := perform(c.driver, c.enumerateTimeout(), func(conn serviceConn) ([]AudioDeviceInfo, error) {
		return conn.devices()
	})
	if err != nil {
		c.logger.Warnw("Failed to list audio devices", "error", err)
		return nil, err
	}

	if devices == nil {
		devices = []AudioDeviceInfo{}
	}

	return devices, nil
}

// GetMasterAudioLevel always fails: level metering isn't supported by any backend
func (c *Controller) GetMasterAudioLevel() (float64, error) {
	return 0, c.levelUnavailable("master output")
}

// GetMicrophoneAudioLevel always fails: level metering isn't supported by any backend
func (c *Controller) GetMicrophoneAudioLevel() (float64, error) {
	return 0, c.levelUnavailable("microphone input")
}

// GetAppAudioLevel always fails: level metering isn't supported by any backend
func (c *Controller) GetAppAudioLevel(pid uint32) (float64, error) {
	return 0, c.levelUnavailable(fmt.Sprintf("app %d", pid))
}

func (c *Controller) levelUnavailable(scope string) error {
	if err := c.checkPlatform(); err != nil {
		return err
	}

	return Unavailable.New("audio level metering for %s is not supported on %s", scope, c.platform)
}

func (c *Controller) checkPlatform() error {
	if supportedPlatform(c.platform) {
		return nil
	}

	return PlatformUnsupported.New("audio control is not supported on this platform (%s)", c.platform)
}

// masterMode also covers the platform check, since every master operation starts here
func (c *Controller) masterMode() (string, error) {
	if err := c.checkPlatform(); err != nil {
		return "", err
	}

	mode := c.config.Current().MasterControl
	if mode == MasterControlDisabled {
		return "", Unavailable.New("master volume control is disabled, use per-application control instead")
	}

	return mode, nil
}

func (c *Controller) requestTimeout() time.Duration {
	return c.config.Current().RequestTimeout
}

func (c *Controller) enumerateTimeout() time.Duration {
	return c.config.Current().EnumerateTimeout
}

// timeoutFor picks the bound for a single-target operation; app lookups enumerate sessions first
func (c *Controller) timeoutFor(t target) time.Duration {
	if t.kind == targetApp {
		return c.enumerateTimeout()
	}

	return c.requestTimeout()
}

// withSession resolves t on a fresh connection and runs op against it. The session never escapes the call
func withSession[T any](c *Controller, t target, op func(s Session) (T, error)) (T, error) {
	return perform(c.driver, c.timeoutFor(t), func(conn serviceConn) (T, error) {
		var zero T

		session, err := conn.resolve(t)
		if err != nil {
			return zero, err
		}

		defer session.Release()

		return op(session)
	})
}

func (c *Controller) getVolume(t target) (float64, error) {
	v, err := withSession(c, t, func(s Session) (float32, error) {
		return s.GetVolume()
	})
	if err != nil {
		c.logger.Debugw("Failed to get volume", "target", t, "error", err)
		return 0, err
	}

	return float64(clampScalar(v)), nil
}

func (c *Controller) setVolume(t target, v float64) (bool, error) {
	if err := validateVolume(v); err != nil {
		return false, err
	}

	_, err := withSession(c, t, func(s Session) (struct{}, error) {
		return struct{}{}, s.SetVolume(float32(v))
	})
	if err != nil {
		c.logger.Debugw("Failed to set volume", "target", t, "volume", v, "error", err)
		return false, err
	}

	return true, nil
}

func (c *Controller) getMute(t target) (bool, error) {
	muted, err := withSession(c, t, func(s Session) (bool, error) {
		return s.GetMute()
	})
	if err != nil {
		c.logger.Debugw("Failed to get mute state", "target", t, "error", err)
		return false, err
	}

	return muted, nil
}

func (c *Controller) setMute(t target, muted bool) error {
	_, err := withSession(c, t, func(s Session) (struct{}, error) {
		return struct{}{}, s.SetMute(muted)
	})
	if err != nil {
		c.logger.Debugw("Failed to set mute state", "target", t, "muted", muted, "error", err)
	}

	return err
}

// toggleMute reads and writes over the same connection. A concurrent external change in between is lost
func (c *Controller) toggleMute(t target) (bool, error) {
	muted, err := withSession(c, t, func(s Session) (bool, error) {
		muted, err := s.GetMute()
		if err != nil {
			return false, err
		}

		if err := s.SetMute(!muted); err != nil {
			return false, err
		}

		return !muted, nil
	})
	if err != nil {
		c.logger.Debugw("Failed to toggle mute state", "target", t, "error", err)
		return false, err
	}

	return muted, nil
}

// with master_control set to sessions and nothing playing, master reads as full volume and unmuted
func (c *Controller) getSessionsMasterVolume() (float64, error) {
	entries, err := perform(c.driver, c.enumerateTimeout(), func(conn serviceConn) ([]streamEntry, error) {
		return conn.sessions()
	})
	if err != nil {
		return 0, err
	}

	if len(entries) == 0 {
		return 1, nil
	}

	return float64(clampScalar(entries[0].volume)), nil
}

func (c *Controller) isSessionsMasterMuted() (bool, error) {
	entries, err := perform(c.driver, c.enumerateTimeout(), func(conn serviceConn) ([]streamEntry, error) {
		return conn.sessions()
	})
	if err != nil {
		return false, err
	}

	if len(entries) == 0 {
		return false, nil
	}

	return entries[0].muted, nil
}

// setSessionsMaster applies apply to every active session over one connection.
// A session failing on its own (e.g. it exited mid-way) is logged and skipped
func (c *Controller) setSessionsMaster(apply func(s Session) error) error {
	_, err := perform(c.driver, c.enumerateTimeout(), func(conn serviceConn) (int, error) {
		entries, err := conn.sessions()
		if err != nil {
			return 0, err
		}

		applied := 0

		for _, entry := range entries {
			session, err := conn.resolve(appTarget(entry.effectiveID()))
			if err != nil {
				c.logger.Debugw("Skipping session", "pid", entry.effectiveID(), "error", err)
				continue
			}

			if err := apply(session); err != nil {
				c.logger.Warnw("Failed to apply master change to session", "session", session.Key(), "error", err)
			} else {
				applied++
			}

			session.Release()
		}

		c.logger.Debugw("Applied master change to sessions", "applied", applied, "total", len(entries))

		return applied, nil
	})

	return err
}
