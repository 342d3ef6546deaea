package facontrol

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "facontrol.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	return path
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), "")
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	got := cc.Current()

	if got.ClientName != default_ClientName {
		t.Errorf("ClientName = %q, want %q", got.ClientName, default_ClientName)
	}

	if got.Server != "" {
		t.Errorf("Server = %q, want empty", got.Server)
	}

	if got.ConnectTimeout != default_ConnectTimeout {
		t.Errorf("ConnectTimeout = %s, want %s", got.ConnectTimeout, default_ConnectTimeout)
	}

	if got.RequestTimeout != default_RequestTimeout {
		t.Errorf("RequestTimeout = %s, want %s", got.RequestTimeout, default_RequestTimeout)
	}

	if got.EnumerateTimeout != default_EnumerateTimeout {
		t.Errorf("EnumerateTimeout = %s, want %s", got.EnumerateTimeout, default_EnumerateTimeout)
	}

	if got.MasterControl != MasterControlDevice {
		t.Errorf("MasterControl = %q, want %q", got.MasterControl, MasterControlDevice)
	}

	if got.Serve.Address != default_ServeAddress || got.Serve.PollInterval != default_ServePoll {
		t.Errorf("Serve = %+v, want address %s and poll interval %s", got.Serve, default_ServeAddress, default_ServePoll)
	}
}

func TestConfigLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
client_name: desk-mixer
server: unix:/run/user/1000/pulse/native
connect_timeout: 250ms
request_timeout: 1500ms
master_control: Sessions
serve:
  address: 127.0.0.1:9000
  poll_interval: 2s
`)

	cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), path)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := cc.Current()

	if got.ClientName != "desk-mixer" {
		t.Errorf("ClientName = %q, want desk-mixer", got.ClientName)
	}

	if got.Server != "unix:/run/user/1000/pulse/native" {
		t.Errorf("Server = %q, want unix:/run/user/1000/pulse/native", got.Server)
	}

	if got.ConnectTimeout != 250*time.Millisecond {
		t.Errorf("ConnectTimeout = %s, want 250ms", got.ConnectTimeout)
	}

	if got.RequestTimeout != 1500*time.Millisecond {
		t.Errorf("RequestTimeout = %s, want 1.5s", got.RequestTimeout)
	}

	// keys absent from the file keep their defaults
	if got.EnumerateTimeout != default_EnumerateTimeout {
		t.Errorf("EnumerateTimeout = %s, want %s", got.EnumerateTimeout, default_EnumerateTimeout)
	}

	if got.MasterControl != MasterControlSessions {
		t.Errorf("MasterControl = %q, want %q", got.MasterControl, MasterControlSessions)
	}

	if got.Serve.Address != "127.0.0.1:9000" || got.Serve.PollInterval != 2*time.Second {
		t.Errorf("Serve = %+v, want address 127.0.0.1:9000 and poll interval 2s", got.Serve)
	}
}

func TestConfigLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
	}{
		{"unknown master control mode", "master_control: loudest\n"},
		{"non-positive timeout", "request_timeout: 0s\n"},
		{"negative poll interval", "serve:\n  poll_interval: -1s\n"},
		{"empty client name", "client_name: \"\"\n"},
		{"malformed yaml", "master_control: [device\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), writeConfigFile(t, tt.contents))
			if err != nil {
				t.Fatalf("NewConfig() error = %v", err)
			}

			before := cc.Current()

			if err := cc.Load(); err == nil {
				t.Fatal("Load() error = nil, want an error")
			}

			// a rejected file leaves the previous settings in place
			if after := cc.Current(); after != before {
				t.Errorf("Current() = %+v after failed Load, want %+v", after, before)
			}
		})
	}
}

func TestConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("FACONTROL_REQUEST_TIMEOUT", "100ms")
	t.Setenv("FACONTROL_SERVE_ADDRESS", "127.0.0.1:7000")

	cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), "")
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := cc.Current()

	if got.RequestTimeout != 100*time.Millisecond {
		t.Errorf("RequestTimeout = %s, want 100ms", got.RequestTimeout)
	}

	if got.Serve.Address != "127.0.0.1:7000" {
		t.Errorf("Serve.Address = %q, want 127.0.0.1:7000", got.Serve.Address)
	}
}

func TestConfigReloadNotifications(t *testing.T) {
	t.Parallel()

	// the watcher goroutine logs after Stop returns
	cc, err := NewConfig(zap.NewNop().Sugar(), "")
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	changes := cc.SubscribeToChanges()

	// pending notifications coalesce instead of blocking the reloader
	cc.onConfigReloaded()
	cc.onConfigReloaded()

	select {
	case <-changes:
	default:
		t.Fatal("no reload notification received")
	}

	select {
	case <-changes:
		t.Fatal("received a second notification, want them coalesced")
	default:
	}

	go cc.WatchConfigFileChanges()
	cc.StopWatchingConfigFile()

	if _, ok := <-changes; ok {
		t.Error("reload channel still open after StopWatchingConfigFile")
	}
}
