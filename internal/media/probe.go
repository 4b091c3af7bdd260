package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeInfo is the subset of container metadata the pipeline needs.
type ProbeInfo struct {
	DurationSeconds float64
	FormatName      string
	HasAudio        bool
	AudioCodec      string
	SampleRate      int
	Channels        int
}

// Prober inspects a media file.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeInfo, error)
}

// FFprobe shells out to ffprobe and parses its JSON output.
type FFprobe struct {
	Path string
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

type ffprobeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Duration   string `json:"duration"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func (p FFprobe) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (ProbeInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return ProbeInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := ProbeInfo{FormatName: firstFormat(probe.Format.FormatName)}
	if d, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64); err == nil {
		info.DurationSeconds = d
	}
	for _, s := range probe.Streams {
		if s.CodecType != "audio" || info.HasAudio {
			continue
		}
		info.HasAudio = true
		info.AudioCodec = s.CodecName
		info.Channels = s.Channels
		info.SampleRate, _ = strconv.Atoi(s.SampleRate)
		// Some containers only report duration on the stream.
		if info.DurationSeconds == 0 {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				info.DurationSeconds = d
			}
		}
	}
	return info, nil
}

// ffprobe reports demuxer aliases such as "mov,mp4,m4a,3gp,3g2,mj2".
func firstFormat(name string) string {
	if i := strings.IndexByte(name, ','); i >= 0 {
		return name[:i]
	}
	return name
}
