// Package gemini implements llm.Client on top of the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"speechcoach-backend/internal/llm"
	"speechcoach-backend/internal/shared/telemetry"
)

const providerName = "gemini"

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// generator is the slice of genai.Models the client needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client answers JSON prompts with Gemini's JSON response mode.
type Client struct {
	models generator
	model  string
}

// NewClient creates a Gemini-backed client.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newClient(gc.Models, model), nil
}

func newClient(models generator, model string) *Client {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Client{models: models, model: model}
}

// CompleteJSON sends the prompt with the JSON response MIME type set.
func (c *Client) CompleteJSON(ctx context.Context, prompt llm.Prompt) (json.RawMessage, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	}
	if system := systemText(prompt); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(prompt.User), config)
	if err != nil {
		return nil, classifyError(err)
	}
	text := ""
	if resp != nil {
		text = resp.Text()
	}
	if resp != nil && resp.UsageMetadata != nil {
		telemetry.Info("llm.response", map[string]any{
			"provider":          providerName,
			"model":             c.model,
			"prompt_version":    prompt.Version,
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      resp.UsageMetadata.TotalTokenCount,
		})
	}
	if strings.TrimSpace(text) == "" {
		return nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindBadResponse, Message: "empty response"}
	}
	raw, ok := llm.ExtractJSON(text)
	if !ok {
		return nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindBadResponse, Message: "invalid JSON from Gemini"}
	}
	return raw, nil
}

func systemText(prompt llm.Prompt) string {
	system := strings.TrimSpace(prompt.System)
	if len(prompt.Schema) == 0 {
		return system
	}
	schema, err := json.Marshal(prompt.Schema)
	if err != nil {
		return system
	}
	return system + "\n\nRespond with a single JSON object matching this JSON schema:\n" + string(schema)
}

// classifyError maps genai errors onto llm.ProviderError kinds.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.ProviderError{Provider: providerName, Kind: llm.KindTimeout, Retryable: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pErr := llm.ErrorForStatus(providerName, apiErr.Code, apiErr.Message)
		pErr.Err = err
		return pErr
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		pErr := llm.ErrorForStatus(providerName, apiErrPtr.Code, apiErrPtr.Message)
		pErr.Err = err
		return pErr
	}
	return &llm.ProviderError{Provider: providerName, Kind: llm.KindServer, Retryable: true, Err: err}
}

var _ llm.Client = (*Client)(nil)
