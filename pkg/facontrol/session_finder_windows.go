package facontrol

import (
	"context"
	"runtime"
	"sync"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"

	"github.com/facontrol/facontrol/pkg/facontrol/util"
)

const (
	// CoInitializeEx returns S_FALSE when COM is already initialized on the thread
	hresultFalse = 1

	// AUDCLNT_S_NO_SINGLE_PROCESS, returned by GetProcessId for multi-process sessions such as system sounds
	hresultNoSingleProcess = 0x889000D

	systemProcessName = "System"
)

// comConn owns one COM apartment: a goroutine locked to its OS thread for the connection's whole life.
// Every COM call is marshalled onto it through do, and every interface acquired on it is released
// there, in reverse order, before CoUninitialize
type comConn struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	calls     chan func()
	done      chan struct{}
	closeOnce sync.Once

	enumerator *wca.IMMDeviceEnumerator

	// only touched on the apartment thread
	releases []func()
}

// comSession is one enumerated audio session along with its live interfaces
type comSession struct {
	entry   streamEntry
	control *wca.IAudioSessionControl2
	volume  *wca.ISimpleAudioVolume
}

func newConnector(logger *zap.SugaredLogger, config *CanonicalConfig) connector {
	logger = logger.Named("session_finder")

	return func(ctx context.Context) (serviceConn, error) {
		cc := &comConn{
			logger:        logger,
			sessionLogger: logger.Named("sessions"),
			calls:         make(chan func()),
			done:          make(chan struct{}),
		}

		ready := make(chan error, 1)
		go cc.apartment(ready)

		select {
		case err := <-ready:
			if err != nil {
				return nil, err
			}

			return cc, nil

		case <-ctx.Done():
			cc.Close()
			return nil, ConnectionError.Wrap(ctx.Err(), "initialize Core Audio")
		}
	}
}

func (cc *comConn) apartment(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		oleErr, ok := err.(*ole.OleError)
		if !ok || oleErr.Code() != hresultFalse {
			cc.logger.Warnw("Failed to initialize COM", "error", err)
			ready <- ConnectionError.Wrap(err, "initialize COM")
			return
		}
	}

	// S_FALSE still needs a matching CoUninitialize
	cc.track(ole.CoUninitialize)
	defer cc.releaseAll()

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&cc.enumerator,
	); err != nil {
		cc.logger.Warnw("Failed to create device enumerator", "error", err)
		ready <- ConnectionError.Wrap(err, "create MMDeviceEnumerator")
		return
	}

	enumerator := cc.enumerator
	cc.track(func() { enumerator.Release() })

	ready <- nil

	for {
		select {
		case f := <-cc.calls:
			f()
		case <-cc.done:
			return
		}
	}
}

// do runs f on the apartment thread and waits for it
func (cc *comConn) do(f func() error) error {
	result := make(chan error, 1)

	select {
	case cc.calls <- func() { result <- f() }:
	case <-cc.done:
		return ConnectionError.New("Core Audio connection already closed")
	}

	// once accepted, f always runs to completion
	return <-result
}

// track registers a release to run when the connection closes. Apartment thread only
func (cc *comConn) track(release func()) {
	cc.releases = append(cc.releases, release)
}

func (cc *comConn) releaseAll() {
	for i := len(cc.releases) - 1; i >= 0; i-- {
		cc.releases[i]()
	}

	cc.releases = nil
	cc.logger.Debug("Released Core Audio connection")
}

func (cc *comConn) Close() error {
	cc.closeOnce.Do(func() {
		close(cc.done)
	})

	return nil
}

func (cc *comConn) resolve(t target) (Session, error) {
	var session Session

	err := cc.do(func() error {
		switch t.kind {
		case targetOutput:
			s, err := cc.defaultEndpoint(wca.ERender, masterSessionName)
			session = s
			return err

		case targetInput:
			s, err := cc.defaultEndpoint(wca.ECapture, inputSessionName)
			session = s
			return err

		default:
			sessions, err := cc.listSessions()
			if err != nil {
				return err
			}

			entries := make([]streamEntry, len(sessions))
			for i, s := range sessions {
				entries[i] = s.entry
			}

			idx, ok := findStream(entries, t.id)
			if !ok {
				return notFoundApp(t.id)
			}

			found := sessions[idx]
			session = newWCASession(cc.sessionLogger, cc, found.control, found.volume, found.entry)

			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

func (cc *comConn) sessions() ([]streamEntry, error) {
	var entries []streamEntry

	err := cc.do(func() error {
		sessions, err := cc.listSessions()
		if err != nil {
			return err
		}

		entries = make([]streamEntry, 0, len(sessions))
		for _, s := range sessions {
			entries = append(entries, s.entry)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (cc *comConn) devices() ([]AudioDeviceInfo, error) {
	devices := []AudioDeviceInfo{}

	err := cc.do(func() error {
		flows := []struct {
			flow       uint32
			deviceType string
		}{
			{wca.ERender, deviceTypeOutput},
			{wca.ECapture, deviceTypeInput},
		}

		for _, f := range flows {
			found, err := cc.listEndpoints(f.flow, f.deviceType)
			if err != nil {
				return err
			}

			devices = append(devices, found...)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return devices, nil
}

// defaultEndpoint resolves the console-role default device for the given flow. Apartment thread only
func (cc *comConn) defaultEndpoint(flow uint32, key string) (*endpointSession, error) {
	var mmd *wca.IMMDevice
	if err := cc.enumerator.GetDefaultAudioEndpoint(flow, wca.EConsole, &mmd); err != nil {
		cc.logger.Debugw("No default audio endpoint", "key", key, "error", err)
		return nil, NotFound.Wrap(err, "get default %s device", key)
	}
	cc.track(func() { mmd.Release() })

	var aev *wca.IAudioEndpointVolume
	if err := mmd.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &aev); err != nil {
		cc.logger.Warnw("Failed to activate endpoint volume", "key", key, "error", err)
		return nil, Unavailable.Wrap(err, "activate %s endpoint volume", key)
	}
	cc.track(func() { aev.Release() })

	return newEndpointSession(cc.sessionLogger, cc, aev, key, friendlyName(mmd)), nil
}

// listSessions enumerates the live sessions on the default output device. Apartment thread only
func (cc *comConn) listSessions() ([]comSession, error) {
	var mmd *wca.IMMDevice
	if err := cc.enumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmd); err != nil {
		return nil, NotFound.Wrap(err, "get default output device")
	}
	defer mmd.Release()

	var asm2 *wca.IAudioSessionManager2
	if err := mmd.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &asm2); err != nil {
		return nil, Unavailable.Wrap(err, "activate IAudioSessionManager2")
	}
	defer asm2.Release()

	var enumerator *wca.IAudioSessionEnumerator
	if err := asm2.GetSessionEnumerator(&enumerator); err != nil {
		return nil, ConnectionError.Wrap(err, "get audio session enumerator")
	}
	defer enumerator.Release()

	var count int
	if err := enumerator.GetCount(&count); err != nil {
		return nil, ConnectionError.Wrap(err, "get audio session count")
	}

	sessions := make([]comSession, 0, count)

	for i := 0; i < count; i++ {
		s, ok := cc.openSession(enumerator, i)
		if ok {
			sessions = append(sessions, s)
		}
	}

	cc.logger.Debugw("Enumerated audio sessions", "total", count, "active", len(sessions))

	return sessions, nil
}

// openSession reads one session's state. Expired sessions and ones that fail midway are skipped
func (cc *comConn) openSession(enumerator *wca.IAudioSessionEnumerator, idx int) (comSession, bool) {
	var asc *wca.IAudioSessionControl
	if err := enumerator.GetSession(idx, &asc); err != nil {
		cc.logger.Debugw("Failed to get audio session", "index", idx, "error", err)
		return comSession{}, false
	}
	defer asc.Release()

	dispatch, err := asc.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		cc.logger.Debugw("Failed to query IAudioSessionControl2", "index", idx, "error", err)
		return comSession{}, false
	}

	control := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))
	cc.track(func() { control.Release() })

	var state uint32
	if err := control.GetState(&state); err != nil || state == wca.AudioSessionStateExpired {
		return comSession{}, false
	}

	var pid uint32
	if err := control.GetProcessId(&pid); err != nil {
		oleErr, ok := err.(*ole.OleError)
		if !ok || oleErr.Code() != hresultNoSingleProcess {
			cc.logger.Debugw("Failed to get session process id", "index", idx, "error", err)
		}

		pid = 0
	}

	dispatch, err = control.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		cc.logger.Debugw("Failed to query ISimpleAudioVolume", "index", idx, "error", err)
		return comSession{}, false
	}

	volume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch))
	cc.track(func() { volume.Release() })

	var level float32
	if err := volume.GetMasterVolume(&level); err != nil {
		cc.logger.Debugw("Failed to get session volume", "index", idx, "error", err)
		return comSession{}, false
	}

	var muted bool
	if err := volume.GetMute(&muted); err != nil {
		cc.logger.Debugw("Failed to get session mute state", "index", idx, "error", err)
		return comSession{}, false
	}

	name := systemProcessName
	if pid != 0 {
		name, _ = util.ProcessName(int(pid))
	}

	return comSession{
		entry: streamEntry{
			index:  uint32(idx),
			pid:    pid,
			name:   pickName(name),
			volume: level,
			muted:  muted,
		},
		control: control,
		volume:  volume,
	}, true
}

// listEndpoints enumerates the active devices of one flow. Apartment thread only
func (cc *comConn) listEndpoints(flow uint32, deviceType string) ([]AudioDeviceInfo, error) {
	var defaultID string

	var defaultDevice *wca.IMMDevice
	if err := cc.enumerator.GetDefaultAudioEndpoint(flow, wca.EConsole, &defaultDevice); err == nil {
		if err := defaultDevice.GetId(&defaultID); err != nil {
			cc.logger.Debugw("Failed to get default device id", "type", deviceType, "error", err)
		}

		defaultDevice.Release()
	}

	var collection *wca.IMMDeviceCollection
	if err := cc.enumerator.EnumAudioEndpoints(flow, wca.DEVICE_STATE_ACTIVE, &collection); err != nil {
		return nil, ConnectionError.Wrap(err, "enumerate %s devices", deviceType)
	}
	defer collection.Release()

	var count uint32
	if err := collection.GetCount(&count); err != nil {
		return nil, ConnectionError.Wrap(err, "get %s device count", deviceType)
	}

	devices := make([]AudioDeviceInfo, 0, count)

	for i := uint32(0); i < count; i++ {
		var mmd *wca.IMMDevice
		if err := collection.Item(i, &mmd); err != nil {
			cc.logger.Debugw("Failed to get device", "type", deviceType, "index", i, "error", err)
			continue
		}

		var id string
		if err := mmd.GetId(&id); err != nil {
			cc.logger.Debugw("Failed to get device id", "type", deviceType, "index", i, "error", err)
		}

		devices = append(devices, AudioDeviceInfo{
			Name:    pickName(friendlyName(mmd)),
			Type:    deviceType,
			Default: id != "" && id == defaultID,
		})

		mmd.Release()
	}

	return devices, nil
}

func friendlyName(mmd *wca.IMMDevice) string {
	var ps *wca.IPropertyStore
	if err := mmd.OpenPropertyStore(wca.STGM_READ, &ps); err != nil {
		return ""
	}
	defer ps.Release()

	var pv wca.PROPVARIANT
	if err := ps.GetValue(&wca.PKEY_Device_FriendlyName, &pv); err != nil {
		return ""
	}

	return pv.String()
}
