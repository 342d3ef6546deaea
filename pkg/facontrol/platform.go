package facontrol

import (
	"runtime"
)

const (
	PlatformWindows     = "windows"
	PlatformLinux       = "linux"
	PlatformNameUnknown = "unsupported"
)

// GetPlatform reports which audio backend this build drives. It never fails
func GetPlatform() string {
	return platformFor(runtime.GOOS)
}

func platformFor(goos string) string {
	switch goos {
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformNameUnknown
	}
}

func supportedPlatform(platform string) bool {
	return platform == PlatformWindows || platform == PlatformLinux
}
