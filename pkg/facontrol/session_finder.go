package facontrol

import (
	"context"
	"strconv"
	"strings"
)

// AppInfo is a snapshot of one application's audio session
type AppInfo struct {
	PID    uint32  `json:"pid"`
	Name   string  `json:"name"`
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

// AudioDeviceInfo represents information about an audio device
type AudioDeviceInfo struct {
	Name        string `json:"name"`                  // Friendly name of the device
	Type        string `json:"type"`                  // "Output" or "Input"
	Description string `json:"description,omitempty"` // Device description (optional, may be empty)
	Default     bool   `json:"default"`
}

const (
	deviceTypeOutput = "Output"
	deviceTypeInput  = "Input"

	unknownAppName = "Unknown"
)

// serviceConn is one short-lived connection to the host audio service. It's opened per call,
// used for exactly one query or command and closed by the driver on every exit path
type serviceConn interface {
	// resolve locates the device or stream a single operation acts on
	resolve(t target) (Session, error)

	// sessions enumerates every active application stream
	sessions() ([]streamEntry, error)

	// devices enumerates every output and input device
	devices() ([]AudioDeviceInfo, error)

	Close() error
}

// connector opens a serviceConn. It may block; the driver bounds it with the configured connect timeout
type connector func(ctx context.Context) (serviceConn, error)

// streamEntry is one application stream as seen during a single enumeration pass
type streamEntry struct {
	index  uint32 // service-internal index, or enumeration position where the service has none
	pid    uint32 // owning process, 0 when unknown
	name   string
	volume float32
	muted  bool
}

// effectiveID is the identifier callers use to address the stream: the owning pid when known, else the stream's index.
// Listing and lookup both go through here so an id obtained from one always resolves in the other
func (e streamEntry) effectiveID() uint32 {
	if e.pid != 0 {
		return e.pid
	}

	return e.index
}

func (e streamEntry) appInfo() AppInfo {
	return AppInfo{
		PID:    e.effectiveID(),
		Name:   e.name,
		Volume: float64(clampScalar(e.volume)),
		Muted:  e.muted,
	}
}

// findStream returns the position of the first entry whose effective id matches
func findStream(entries []streamEntry, id uint32) (int, bool) {
	for i, entry := range entries {
		if entry.effectiveID() == id {
			return i, true
		}
	}

	return -1, false
}

// appInfos never returns nil so that "no sessions" stays distinguishable from a failure
func appInfos(entries []streamEntry) []AppInfo {
	apps := make([]AppInfo, 0, len(entries))

	for _, entry := range entries {
		apps = append(apps, entry.appInfo())
	}

	return apps
}

// parsePID reads a pid from a property value, yielding 0 when it's absent or malformed
func parsePID(s string) uint32 {
	pid, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0
	}

	return uint32(pid)
}

// pickName returns the first non-blank candidate
func pickName(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}

	return unknownAppName
}

func notFoundApp(id uint32) error {
	return NotFound.New("no audio session found for id %d", id)
}

// pickDefault prefers the device named like the service's default and otherwise settles for the first one
func pickDefault(names []string, defaultName string) (int, bool) {
	if len(names) == 0 {
		return -1, false
	}

	if defaultName != "" {
		for i, name := range names {
			if name == defaultName {
				return i, true
			}
		}
	}

	return 0, true
}
