package media

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
)

// DefaultSilenceThresholdDB is the peak level at or below which a track is
// treated as silent. Digital silence in 16-bit PCM reports about -91 dB.
const DefaultSilenceThresholdDB = -60.0

// LoudnessAnalyzer reports the peak level of an audio file in dBFS.
type LoudnessAnalyzer interface {
	MaxVolumeDB(ctx context.Context, path string) (float64, error)
}

var maxVolumePattern = regexp.MustCompile(`max_volume:\s*(-?inf|-?[0-9.]+)\s*dB`)

// MaxVolumeDB runs ffmpeg's volumedetect filter over the audio track.
func (f FFmpeg) MaxVolumeDB(ctx context.Context, path string) (float64, error) {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, buildVolumeDetectArgs(path)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffmpeg volumedetect failed: %w: %s", err, truncate(string(output), 512))
	}
	return parseMaxVolume(string(output))
}

func buildVolumeDetectArgs(path string) []string {
	return []string{
		"-hide_banner",
		"-nostats",
		"-i", path,
		"-vn", "-sn", "-dn",
		"-af", "volumedetect",
		"-f", "null",
		"-",
	}
}

func parseMaxVolume(output string) (float64, error) {
	m := maxVolumePattern.FindStringSubmatch(output)
	if m == nil {
		return 0, fmt.Errorf("volumedetect output has no max_volume")
	}
	switch m[1] {
	case "-inf":
		return math.Inf(-1), nil
	case "inf":
		return math.Inf(1), nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse max_volume %q: %w", m[1], err)
	}
	return v, nil
}
