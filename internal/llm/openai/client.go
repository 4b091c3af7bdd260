package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/shared/telemetry"
)

const providerName = "openai"

var apiURL = "https://api.openai.com/v1/chat/completions"

// Client implements llm.Client using OpenAI Chat Completions.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(apiKey, model string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	timeout := 120 * time.Second
	if raw := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float32       `json:"temperature,omitempty"`
	ResponseFormat responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompleteJSON sends the prompt and returns the model's JSON object. A reply
// that is not valid JSON gets one repair round trip.
func (c *Client) CompleteJSON(ctx context.Context, prompt llm.Prompt) (json.RawMessage, error) {
	messages := buildMessages(prompt)
	content, err := c.completeWithTemperatureFallback(ctx, prompt.Version, messages)
	if err != nil {
		return nil, err
	}
	if raw, ok := llm.ExtractJSON(content); ok {
		return raw, nil
	}

	repair := append(messages,
		chatMessage{Role: "assistant", Content: content},
		chatMessage{Role: "user", Content: "Your previous reply was not valid JSON. Return only the corrected JSON object."},
	)
	content, err = c.completeWithTemperatureFallback(ctx, prompt.Version, repair)
	if err != nil {
		return nil, err
	}
	if raw, ok := llm.ExtractJSON(content); ok {
		return raw, nil
	}
	return nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindBadResponse, Message: "invalid JSON from OpenAI"}
}

func buildMessages(prompt llm.Prompt) []chatMessage {
	system := strings.TrimSpace(prompt.System)
	if len(prompt.Schema) > 0 {
		if schema, err := json.Marshal(prompt.Schema); err == nil {
			system += "\n\nRespond with a single JSON object matching this JSON schema:\n" + string(schema)
		}
	}
	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	return append(messages, chatMessage{Role: "user", Content: prompt.User})
}

// completeWithTemperatureFallback retries once without temperature when the
// model rejects a fixed temperature.
func (c *Client) completeWithTemperatureFallback(ctx context.Context, promptVersion string, messages []chatMessage) (string, error) {
	useTemp := temperatureAllowed(c.model)
	content, usage, err := c.completeOnce(ctx, messages, useTemp)
	if err != nil && useTemp && isTemperatureUnsupported(err) {
		content, usage, err = c.completeOnce(ctx, messages, false)
	}
	if err != nil {
		return "", err
	}
	logUsage(c.model, promptVersion, usage)
	return content, nil
}

func (c *Client) completeOnce(ctx context.Context, messages []chatMessage, withTemperature bool) (string, *chatUsage, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: responseFormat{
			Type: "json_object",
		},
	}
	if withTemperature {
		temp := float32(0)
		reqBody.Temperature = &temp
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return "", nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindTimeout, Retryable: true, Err: err}
		}
		return "", nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindServer, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindServer, Retryable: true, Err: err}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return "", nil, llm.ErrorForStatus(providerName, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return "", nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindBadResponse, Message: "response parse", Err: err}
	}
	if parsed.Error != nil {
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadRequest
		}
		return "", nil, llm.ErrorForStatus(providerName, status, fmt.Sprintf("%s (%s)", parsed.Error.Message, parsed.Error.Type))
	}
	if resp.StatusCode >= 400 {
		return "", nil, llm.ErrorForStatus(providerName, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(parsed.Choices) == 0 {
		return "", nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindBadResponse, Message: "response missing choices"}
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindBadResponse, Message: "response empty content"}
	}
	return content, parsed.Usage, nil
}

func logUsage(model, promptVersion string, usage *chatUsage) {
	fields := map[string]any{
		"provider":       providerName,
		"model":          model,
		"prompt_version": promptVersion,
	}
	if usage != nil {
		fields["prompt_tokens"] = usage.PromptTokens
		fields["completion_tokens"] = usage.CompletionTokens
		fields["total_tokens"] = usage.TotalTokens
	}
	telemetry.Info("llm.response", fields)
}

func isGPT5(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-5")
}

// temperatureAllowed is false for gpt-5 models and anything listed in
// LLM_NO_TEMP0_MODELS.
func temperatureAllowed(model string) bool {
	if isGPT5(model) {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(model))
	for _, m := range strings.Split(os.Getenv("LLM_NO_TEMP0_MODELS"), ",") {
		if strings.ToLower(strings.TrimSpace(m)) == normalized && normalized != "" {
			return false
		}
	}
	return true
}

func isTemperatureUnsupported(err error) bool {
	var pErr *llm.ProviderError
	if !errors.As(err, &pErr) || pErr.Kind != llm.KindBadRequest {
		return false
	}
	msg := strings.ToLower(pErr.Message)
	return strings.Contains(msg, "temperature") && (strings.Contains(msg, "unsupported") || strings.Contains(msg, "does not support"))
}

var _ llm.Client = (*Client)(nil)
