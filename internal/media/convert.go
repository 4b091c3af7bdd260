package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// Audio normalised for speech-to-text: 16 kHz mono PCM WAV.
const (
	TargetSampleRate = 16000
	TargetFormat     = "wav"
)

// Converter extracts and normalises the audio track of a media file.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}

// FFmpeg converts media with the ffmpeg binary.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) Convert(ctx context.Context, inputPath, outputPath string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, buildConvertArgs(inputPath, outputPath)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, truncate(string(output), 512))
	}
	return nil
}

func buildConvertArgs(inputPath, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(TargetSampleRate),
		"-c:a", "pcm_s16le",
		outputPath,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
