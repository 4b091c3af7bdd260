package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"speechcoach-backend/internal/shared/telemetry"
)

const defaultDeepgramURL = "https://api.deepgram.com"

// DeepgramClient calls the prerecorded /v1/listen endpoint.
type DeepgramClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// MaxElapsed bounds the retry loop; the caller's context still applies.
	MaxElapsed time.Duration
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word           string  `json:"word"`
					PunctuatedWord string  `json:"punctuated_word"`
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
					Confidence     float64 `json:"confidence"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Confidence float64 `json:"confidence"`
			Transcript string  `json:"transcript"`
		} `json:"utterances"`
	} `json:"results"`
}

func (c *DeepgramClient) Transcribe(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return ProviderResult{}, &Error{Code: CodeAuthFailure, Message: "speech-to-text API key is not configured"}
	}
	endpoint, err := c.endpoint(req)
	if err != nil {
		return ProviderResult{}, err
	}

	var body []byte
	operation := func() error {
		b, err := c.post(ctx, endpoint, req.AudioPath, contentTypeFor(req.Format))
		if err != nil {
			var tErr *Error
			if errors.As(err, &tErr) && !tErr.Retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = c.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 20 * time.Second
	}
	notify := func(err error, wait time.Duration) {
		telemetry.Warn("transcription.retry", map[string]any{
			"model":   req.Model,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		})
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProviderResult{}, &Error{Code: CodeTimeout, Message: "speech-to-text timed out", Retryable: true, Err: err}
		}
		return ProviderResult{}, err
	}
	return decodeDeepgram(body)
}

func (c *DeepgramClient) endpoint(req ProviderRequest) (string, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultDeepgramURL
	}
	u, err := url.Parse(base + "/v1/listen")
	if err != nil {
		return "", fmt.Errorf("parse stt url: %w", err)
	}
	q := u.Query()
	q.Set("model", req.Model)
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	q.Set("punctuate", "true")
	q.Set("diarize", "false")
	q.Set("utterances", "true")
	q.Set("filler_words", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// contentTypeFor maps an ffprobe format name to the upload content type.
// Unknown containers are sent as audio/* so the provider sniffs them.
func contentTypeFor(format string) string {
	for _, name := range strings.Split(strings.ToLower(format), ",") {
		switch strings.TrimSpace(name) {
		case "wav":
			return "audio/wav"
		case "mp3":
			return "audio/mpeg"
		case "mp4", "m4a", "mov":
			return "audio/mp4"
		case "ogg":
			return "audio/ogg"
		case "webm", "matroska":
			return "audio/webm"
		case "flac":
			return "audio/flac"
		}
	}
	return "audio/*"
}

func (c *DeepgramClient) post(ctx context.Context, endpoint, audioPath, contentType string) ([]byte, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("open audio: %w", err))
	}
	defer f.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, f)
	if err != nil {
		return nil, fmt.Errorf("build stt request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.APIKey)
	httpReq.Header.Set("Content-Type", contentType)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: CodeProvider, Message: "speech-to-text request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: CodeProvider, Message: "read speech-to-text response", Retryable: true, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

func classifyStatus(status int, body []byte) *Error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: CodeAuthFailure, Message: "speech-to-text rejected credentials", StatusCode: status}
	case status == http.StatusTooManyRequests:
		return &Error{Code: CodeRateLimited, Message: "speech-to-text rate limited", StatusCode: status, Retryable: true}
	case status >= 500:
		return &Error{Code: CodeProvider, Message: "speech-to-text unavailable: " + snippet, StatusCode: status, Retryable: true}
	default:
		return &Error{Code: CodeProvider, Message: "speech-to-text rejected request: " + snippet, StatusCode: status}
	}
}

func decodeDeepgram(body []byte) (ProviderResult, error) {
	var payload deepgramResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProviderResult{}, &Error{Code: CodeProvider, Message: "malformed speech-to-text response", Err: err}
	}
	out := ProviderResult{DurationSeconds: payload.Metadata.Duration}
	for _, u := range payload.Results.Utterances {
		out.Utterances = append(out.Utterances, Utterance{
			Text:       strings.TrimSpace(u.Transcript),
			StartMs:    secondsToMs(u.Start),
			EndMs:      secondsToMs(u.End),
			Confidence: u.Confidence,
		})
	}
	if len(payload.Results.Channels) == 0 || len(payload.Results.Channels[0].Alternatives) == 0 {
		return out, nil
	}
	ch := payload.Results.Channels[0]
	alt := ch.Alternatives[0]
	out.Transcript = strings.TrimSpace(alt.Transcript)
	out.Confidence = alt.Confidence
	out.DetectedLanguage = ch.DetectedLanguage
	out.Words = make([]Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		out.Words = append(out.Words, Word{
			Text:       w.Word,
			Punctuated: w.PunctuatedWord,
			StartMs:    secondsToMs(w.Start),
			EndMs:      secondsToMs(w.End),
			Confidence: w.Confidence,
		})
	}
	return out, nil
}

func secondsToMs(s float64) int64 {
	return int64(s*1000 + 0.5)
}
