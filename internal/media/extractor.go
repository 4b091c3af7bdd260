package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"speechcoach-backend/internal/shared/storage/object"
	"speechcoach-backend/internal/shared/telemetry"
)

// Extraction is a validated, normalised audio file on local disk.
// Callers must Close it on every exit path.
type Extraction struct {
	AudioPath       string
	DurationSeconds float64
	Format          string
	SampleRate      int
	FileSizeBytes   int64

	tempFiles []string
}

// Close deletes every temp file created for the extraction.
func (e *Extraction) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, p := range e.tempFiles {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	e.tempFiles = nil
	return errors.Join(errs...)
}

// Extractor pulls the audio out of a stored upload.
type Extractor struct {
	Store              object.ObjectStore
	Prober             Prober
	Converter          Converter
	TempDir            string
	MinDurationSeconds float64
	// Analyzer is optional; without it silent tracks reach transcription.
	Analyzer           LoudnessAnalyzer
	SilenceThresholdDB float64
}

// Extract downloads the blob, validates it and returns a normalised audio file.
func (x *Extractor) Extract(ctx context.Context, blobKey string) (*Extraction, error) {
	ext := &Extraction{}
	ok := false
	defer func() {
		if !ok {
			_ = ext.Close()
		}
	}()

	srcPath, size, err := x.download(ctx, blobKey, ext)
	if err != nil {
		return nil, err
	}
	ext.FileSizeBytes = size
	if size == 0 {
		return nil, newError(CodeEmptyFile, "uploaded file is empty", nil)
	}

	info, err := x.Prober.Probe(ctx, srcPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(CodeCorrupted, "media could not be decoded", err)
	}
	if !info.HasAudio {
		return nil, newError(CodeNoAudio, "media has no audio track", nil)
	}
	if info.DurationSeconds < x.MinDurationSeconds {
		return nil, newError(CodeTooShort,
			fmt.Sprintf("recording is %.1fs, minimum is %.0fs", info.DurationSeconds, x.MinDurationSeconds), nil)
	}

	ext.AudioPath = srcPath
	ext.DurationSeconds = info.DurationSeconds
	ext.Format = info.FormatName
	ext.SampleRate = info.SampleRate

	if needsConversion(info) && x.Converter != nil {
		outPath, err := x.tempPath(ext, "audio-*.wav")
		if err != nil {
			return nil, err
		}
		if err := x.Converter.Convert(ctx, srcPath, outPath); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newError(CodeCorrupted, "audio track could not be extracted", err)
		}
		ext.AudioPath = outPath
		ext.Format = TargetFormat
		ext.SampleRate = TargetSampleRate
	}

	if err := x.checkSilence(ctx, ext); err != nil {
		return nil, err
	}

	telemetry.Debug("media.extracted", map[string]any{
		"blob_key":         blobKey,
		"duration_seconds": ext.DurationSeconds,
		"format":           ext.Format,
		"sample_rate":      ext.SampleRate,
		"size_bytes":       ext.FileSizeBytes,
	})
	ok = true
	return ext, nil
}

// checkSilence rejects a track whose peak level never rises above the
// threshold. Analyzer failures are logged and ignored.
func (x *Extractor) checkSilence(ctx context.Context, ext *Extraction) error {
	if x.Analyzer == nil {
		return nil
	}
	threshold := x.SilenceThresholdDB
	if threshold == 0 {
		threshold = DefaultSilenceThresholdDB
	}
	peak, err := x.Analyzer.MaxVolumeDB(ctx, ext.AudioPath)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.Warn("media.loudness_failed", map[string]any{
			"format": ext.Format,
			"error":  err.Error(),
		})
		return nil
	}
	if peak <= threshold {
		return newError(CodeNoAudio,
			fmt.Sprintf("audio track is silent (peak %.1f dB)", peak), nil)
	}
	return nil
}

func (x *Extractor) download(ctx context.Context, blobKey string, ext *Extraction) (string, int64, error) {
	rc, err := x.Store.Open(ctx, blobKey)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return "", 0, newError(CodeUnavailable, "recording is no longer available", err)
		}
		return "", 0, fmt.Errorf("open media: %w", err)
	}
	defer rc.Close()

	pattern := "upload-*" + filepath.Ext(blobKey)
	path, err := x.tempPath(ext, pattern)
	if err != nil {
		return "", 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("open temp file: %w", err)
	}
	size, copyErr := io.Copy(f, rc)
	closeErr := f.Close()
	if copyErr != nil {
		return "", 0, fmt.Errorf("download media: %w", copyErr)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("close temp file: %w", closeErr)
	}
	return path, size, nil
}

func (x *Extractor) tempPath(ext *Extraction, pattern string) (string, error) {
	f, err := os.CreateTemp(x.TempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	ext.tempFiles = append(ext.tempFiles, path)
	return path, nil
}

func needsConversion(info ProbeInfo) bool {
	if info.FormatName != TargetFormat {
		return true
	}
	return info.SampleRate != TargetSampleRate || info.Channels != 1 || !strings.HasPrefix(info.AudioCodec, "pcm_")
}
