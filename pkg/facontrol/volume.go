package facontrol

import (
	"math"
)

// normal PulseAudio volume (100%)
const maxVolume = 0x10000

// validateVolume rejects anything outside [0, 1] before any connection is made
func validateVolume(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return InvalidArgument.New("volume must be between 0.0 and 1.0, got %v", v)
	}

	return nil
}

// createChannelVolumes spreads a normalized volume over the stream's actual channel count
func createChannelVolumes(channels byte, volume float32) []uint32 {
	if channels == 0 {
		channels = 1
	}

	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(math.Round(float64(volume) * maxVolume))
	}

	return volumes
}

// parseChannelVolumes averages the per-channel volumes and normalizes the result into [0, 1]
func parseChannelVolumes(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint64

	for _, volume := range volumes {
		level += uint64(volume)
	}

	return clampScalar(float32(float64(level) / float64(len(volumes)) / maxVolume))
}

// clampScalar keeps over-amplified or garbage native values inside [0, 1]
func clampScalar(v float32) float32 {
	switch {
	case math.IsNaN(float64(v)), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
