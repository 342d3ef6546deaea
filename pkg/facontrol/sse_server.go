package facontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Server exposes a Controller over localhost HTTP: JSON endpoints for every operation
// plus an EventSource stream of audio session snapshots
type Server struct {
	controller *Controller
	config     *CanonicalConfig
	logger     *zap.SugaredLogger
	server     *http.Server

	stopChannel chan bool
	running     int32 // 1 = running, 0 = stopped

	// manages all active SSE connections
	manager *eventsource.ConnectionManager

	// counter for the SSE id field
	eventID int64

	// last apps snapshot sent to every client, only the poll loop moves it
	baselineLock sync.Mutex
	baseline     []byte
}

const (
	// SSE retry timeout in milliseconds
	sseRetryTimeout = 3000

	pingInterval = 10 * time.Second

	shutdownTimeout = 5 * time.Second

	maxRequestBodySize = 4096

	eventTypeApps = "apps"
	eventTypePing = "ping"
)

// volumeState is the body of every master, microphone and app response
type volumeState struct {
	PID    *uint32 `json:"pid,omitempty"`
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

// volumeChange is the body of every POST that changes volume or mute. Absent fields are left alone
type volumeChange struct {
	Volume *float64 `json:"volume"`
	Muted  *bool    `json:"muted"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewServer creates a server instance, Start makes it listen
func NewServer(controller *Controller, config *CanonicalConfig, logger *zap.SugaredLogger) *Server {
	logger = logger.Named("server")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New SSE client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("SSE client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &Server{
		controller:  controller,
		config:      config,
		logger:      logger,
		stopChannel: make(chan bool),
		manager:     manager,
	}

	logger.Debug("Created server instance")

	return srv
}

// Handler returns the routes served by the server
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/platform", srv.handlePlatform)
	mux.HandleFunc("/master", srv.deviceHandler(masterSessionName))
	mux.HandleFunc("/master/toggle", srv.toggleHandler(masterSessionName))
	mux.HandleFunc("/microphone", srv.deviceHandler(inputSessionName))
	mux.HandleFunc("/microphone/toggle", srv.toggleHandler(inputSessionName))
	mux.HandleFunc("/apps", srv.handleApps)
	mux.HandleFunc("/apps/", srv.handleApp)
	mux.HandleFunc("/devices", srv.handleDevices)

	// HandlerWithManager registers and unregisters SSE connections on its own
	handler := eventsource.HandlerV2(srv.streamEvents)
	handlerWithManager := eventsource.HandlerWithManager(srv.manager, handler)
	mux.HandleFunc("/events", handlerWithManager.ServeHTTP)

	return mux
}

// Start listens on address and serves in the background until Stop
func (srv *Server) Start(address string) error {
	if !atomic.CompareAndSwapInt32(&srv.running, 0, 1) {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		atomic.StoreInt32(&srv.running, 0)
		srv.logger.Warnw("Failed to listen", "address", address, "error", err)
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	srv.server = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		srv.logger.Infow("Starting server", "address", listener.Addr().String())
		if err := srv.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("Server error", "error", err)
			atomic.StoreInt32(&srv.running, 0)
		}
	}()

	go srv.pollLoop()

	return nil
}

// Stop closes every SSE connection and shuts the server down
func (srv *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&srv.running, 1, 0) {
		return
	}

	srv.logger.Debug("Stopping server")

	close(srv.stopChannel)

	srv.manager.CloseAll()
	srv.logger.Debugw("Closed all SSE connections", "count", srv.manager.Count())

	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during server shutdown", "error", err)
			srv.server.Close()
		}
	}

	srv.logger.Info("Server stopped")
}

// IsRunning returns whether the server is currently running
func (srv *Server) IsRunning() bool {
	return atomic.LoadInt32(&srv.running) == 1
}

func (srv *Server) handlePlatform(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	srv.writeJSON(w, http.StatusOK, map[string]string{"platform": srv.controller.Platform()})
}

// deviceHandler serves GET and POST for the master output or the microphone
func (srv *Server) deviceHandler(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
			return
		}

		if r.Method == http.MethodPost {
			change, ok := srv.readChange(w, r)
			if !ok {
				return
			}

			if err := srv.applyDeviceChange(key, change); err != nil {
				srv.writeError(w, err)
				return
			}
		}

		state, err := srv.deviceState(key)
		if err != nil {
			srv.writeError(w, err)
			return
		}

		srv.writeJSON(w, http.StatusOK, state)
	}
}

func (srv *Server) toggleHandler(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) {
			return
		}

		toggle := srv.controller.ToggleMasterMute
		if key == inputSessionName {
			toggle = srv.controller.ToggleMicrophoneMute
		}

		muted, err := toggle()
		if err != nil {
			srv.writeError(w, err)
			return
		}

		srv.writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
	}
}

func (srv *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	apps, err := srv.controller.GetActiveAudioApps()
	if err != nil {
		srv.writeError(w, err)
		return
	}

	if name := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("name"))); name != "" {
		apps = funk.Filter(apps, func(app AppInfo) bool {
			return strings.Contains(strings.ToLower(app.Name), name)
		}).([]AppInfo)
	}

	srv.writeJSON(w, http.StatusOK, apps)
}

func (srv *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	pid, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/apps/"), 10, 32)
	if err != nil {
		srv.writeError(w, InvalidArgument.New("invalid app id %q", strings.TrimPrefix(r.URL.Path, "/apps/")))
		return
	}

	id := uint32(pid)

	if r.Method == http.MethodPost {
		change, ok := srv.readChange(w, r)
		if !ok {
			return
		}

		if change.Volume != nil {
			if _, err := srv.controller.SetAppVolume(id, *change.Volume); err != nil {
				srv.writeError(w, err)
				return
			}
		}

		if change.Muted != nil {
			if err := srv.controller.SetAppMute(id, *change.Muted); err != nil {
				srv.writeError(w, err)
				return
			}
		}
	}

	volume, err := srv.controller.GetAppVolume(id)
	if err != nil {
		srv.writeError(w, err)
		return
	}

	muted, err := srv.controller.IsAppMuted(id)
	if err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, volumeState{PID: &id, Volume: volume, Muted: muted})
}

func (srv *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	devices, err := srv.controller.GetAudioDevices()
	if err != nil {
		srv.writeError(w, err)
		return
	}

	srv.writeJSON(w, http.StatusOK, devices)
}

func (srv *Server) readChange(w http.ResponseWriter, r *http.Request) (volumeChange, bool) {
	var change volumeChange

	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(body).Decode(&change); err != nil {
		srv.writeError(w, InvalidArgument.New("invalid request body: %v", err))
		return change, false
	}

	return change, true
}

func (srv *Server) applyDeviceChange(key string, change volumeChange) error {
	setVolume, setMute := srv.controller.SetMasterVolume, srv.controller.SetMasterMute
	if key == inputSessionName {
		setVolume, setMute = srv.controller.SetMicrophoneVolume, srv.controller.SetMicrophoneMute
	}

	if change.Volume != nil {
		if err := setVolume(*change.Volume); err != nil {
			return err
		}
	}

	if change.Muted != nil {
		if err := setMute(*change.Muted); err != nil {
			return err
		}
	}

	return nil
}

func (srv *Server) deviceState(key string) (volumeState, error) {
	getVolume, isMuted := srv.controller.GetMasterVolume, srv.controller.IsMasterMuted
	if key == inputSessionName {
		getVolume, isMuted = srv.controller.GetMicrophoneVolume, srv.controller.IsMicrophoneMuted
	}

	volume, err := getVolume()
	if err != nil {
		return volumeState{}, err
	}

	muted, err := isMuted()
	if err != nil {
		return volumeState{}, err
	}

	return volumeState{Volume: volume, Muted: muted}, nil
}

func (srv *Server) streamEvents(
	info *eventsource.ConnectionInfo,
	encoder *eventsource.Encoder,
	stop <-chan bool,
) {
	if err := encoder.SetRetry(sseRetryTimeout); err != nil {
		srv.logger.Debugw("Error sending retry field", "error", err, "closed", eventsource.IsConnectionError(err))
		return
	}

	if err := encoder.Encode(srv.pingEvent()); err != nil {
		srv.logger.Debugw("Error sending ping event", "error", err, "closed", eventsource.IsConnectionError(err))
		return
	}

	// new clients get the current snapshot right away instead of waiting for the next change
	if snapshot, err := srv.takeSnapshot(); err == nil {
		if err := encoder.Encode(srv.newEvent(eventTypeApps, snapshot)); err != nil {
			srv.logger.Debugw("Error sending apps snapshot", "error", err, "closed", eventsource.IsConnectionError(err))
			return
		}
	}

	// wait for client disconnect or server stop
	select {
	case <-stop:
	case <-srv.stopChannel:
	}
}

// pollLoop broadcasts a fresh apps snapshot whenever it changes, and pings periodically.
// The audio service is only polled while someone is listening
func (srv *Server) pollLoop() {
	interval := srv.config.Current().Serve.PollInterval

	pollTicker := time.NewTicker(interval)
	defer pollTicker.Stop()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	configReloaded := srv.config.SubscribeToChanges()

	for {
		select {
		case <-srv.stopChannel:
			return

		case _, ok := <-configReloaded:
			if !ok {
				configReloaded = nil
				continue
			}

			if newInterval := srv.config.Current().Serve.PollInterval; newInterval != interval {
				srv.logger.Infow("Poll interval changed", "from", interval, "to", newInterval)
				interval = newInterval
				pollTicker.Reset(interval)
			}

		case <-pollTicker.C:
			if srv.manager.Count() == 0 {
				continue
			}

			srv.broadcastSnapshot()

		case <-pingTicker.C:
			srv.broadcast(srv.pingEvent())
		}
	}
}

// broadcastSnapshot sends the apps snapshot to every client if it differs from the last broadcast one.
// Snapshots handed to connecting clients don't count, the others may not have seen them
func (srv *Server) broadcastSnapshot() bool {
	snapshot, err := srv.takeSnapshot()
	if err != nil {
		return false
	}

	srv.baselineLock.Lock()
	unchanged := bytes.Equal(srv.baseline, snapshot)
	srv.baseline = snapshot
	srv.baselineLock.Unlock()

	if unchanged {
		return false
	}

	srv.broadcast(srv.newEvent(eventTypeApps, snapshot))

	return true
}

func (srv *Server) takeSnapshot() ([]byte, error) {
	apps, err := srv.controller.GetActiveAudioApps()
	if err != nil {
		srv.logger.Debugw("Failed to take apps snapshot", "error", err)
		return nil, err
	}

	snapshot, err := json.Marshal(apps)
	if err != nil {
		srv.logger.Warnw("Failed to marshal apps snapshot", "error", err)
		return nil, fmt.Errorf("marshal apps snapshot: %w", err)
	}

	return snapshot, nil
}

func (srv *Server) broadcast(event eventsource.Event) {
	if err := srv.manager.Broadcast(event); err != nil {
		// the manager drops failed connections on its own
		srv.logger.Debugw("Some connections failed during broadcast", "type", event.Type, "error", err)
	}
}

func (srv *Server) pingEvent() eventsource.Event {
	data, _ := json.Marshal(map[string]interface{}{
		"platform": srv.controller.Platform(),
		"time":     time.Now().Unix(),
	})

	return srv.newEvent(eventTypePing, data)
}

func (srv *Server) newEvent(eventType string, data []byte) eventsource.Event {
	return eventsource.Event{
		ID:   strconv.FormatInt(atomic.AddInt64(&srv.eventID, 1), 10),
		Type: eventType,
		Data: data,
	}
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.Debugw("Failed to write response", "error", err)
	}
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	kind := ErrorKind(err)
	status := statusForKind(kind)

	if status == http.StatusInternalServerError {
		srv.logger.Warnw("Request failed", "error", err)
	}

	srv.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func statusForKind(kind string) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConnection:
		return http.StatusServiceUnavailable
	case KindUnavailable, KindPlatformUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	if funk.ContainsString(methods, r.Method) {
		return true
	}

	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)

	return false
}
