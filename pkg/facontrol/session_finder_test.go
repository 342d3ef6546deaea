package facontrol

import (
	"encoding/json"
	"testing"
)

func TestEffectiveID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry streamEntry
		want  uint32
	}{
		{"pid known", streamEntry{index: 7, pid: 4242}, 4242},
		{"pid unknown", streamEntry{index: 7}, 7},
		{"both zero", streamEntry{}, 0},
	}

	for _, tt := range tests {
		if got := tt.entry.effectiveID(); got != tt.want {
			t.Errorf("%s: effectiveID() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestFindStream(t *testing.T) {
	t.Parallel()

	entries := []streamEntry{
		{index: 1, pid: 100, name: "firefox"},
		{index: 2, pid: 100, name: "firefox"},
		{index: 3, name: "speech-dispatcher"},
		{index: 4, pid: 3, name: "collides with index 3"},
	}

	tests := []struct {
		id     uint32
		want   int
		wantOK bool
	}{
		{100, 0, true},
		{3, 2, true},
		{4, -1, false},
		{999999, -1, false},
	}

	for _, tt := range tests {
		got, ok := findStream(entries, tt.id)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("findStream(%d) = (%d, %t), want (%d, %t)", tt.id, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAppInfos(t *testing.T) {
	t.Parallel()

	apps := appInfos(nil)
	if apps == nil {
		t.Fatal("appInfos(nil) = nil, want empty slice")
	}

	// an empty list must serialize as [] rather than null
	data, err := json.Marshal(apps)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	if string(data) != "[]" {
		t.Errorf("json.Marshal(appInfos(nil)) = %s, want []", data)
	}

	apps = appInfos([]streamEntry{
		{index: 9, name: "mpv", volume: 1.4, muted: true},
	})

	want := AppInfo{PID: 9, Name: "mpv", Volume: 1, Muted: true}
	if len(apps) != 1 || apps[0] != want {
		t.Errorf("appInfos() = %+v, want [%+v]", apps, want)
	}
}

func TestParsePID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want uint32
	}{
		{"1234", 1234},
		{" 1234 ", 1234},
		{"", 0},
		{"abc", 0},
		{"-5", 0},
		{"99999999999", 0},
	}

	for _, tt := range tests {
		if got := parsePID(tt.in); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPickName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		candidates []string
		want       string
	}{
		{"first wins", []string{"Firefox", "firefox-bin"}, "Firefox"},
		{"blank skipped", []string{"  ", "", "mpv"}, "mpv"},
		{"trimmed", []string{" Spotify "}, "Spotify"},
		{"nothing usable", []string{"", " "}, unknownAppName},
		{"no candidates", nil, unknownAppName},
	}

	for _, tt := range tests {
		if got := pickName(tt.candidates...); got != tt.want {
			t.Errorf("%s: pickName() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPickDefault(t *testing.T) {
	t.Parallel()

	names := []string{"hdmi", "analog", "usb"}

	tests := []struct {
		name        string
		names       []string
		defaultName string
		want        int
		wantOK      bool
	}{
		{"default present", names, "analog", 1, true},
		{"default missing", names, "bluetooth", 0, true},
		{"no default", names, "", 0, true},
		{"no devices", nil, "analog", -1, false},
	}

	for _, tt := range tests {
		got, ok := pickDefault(tt.names, tt.defaultName)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("%s: pickDefault() = (%d, %t), want (%d, %t)", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNotFoundApp(t *testing.T) {
	t.Parallel()

	if kind := ErrorKind(notFoundApp(999999)); kind != KindNotFound {
		t.Errorf("ErrorKind(notFoundApp()) = %q, want %q", kind, KindNotFound)
	}
}
