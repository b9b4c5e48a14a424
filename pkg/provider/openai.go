package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"sttq/pkg/dispatch"
)

// DefaultOpenAIModel is used when an openai provider has no model set.
const DefaultOpenAIModel = "gpt-3.5-turbo"

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAI builds an OpenAI caller. BaseURL selects any OpenAI-compatible
// gateway; empty keeps the SDK default.
func NewOpenAI(cfg dispatch.ProviderConfig, httpClient *http.Client) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{name: cfg.Name, model: model, client: openai.NewClientWithConfig(oc)}
}

// Complete implements dispatch.Caller.
func (o *OpenAI) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("provider %s: API error (%d): %s", o.name, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("provider %s: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider %s: empty response", o.name)
	}
	return resp.Choices[0].Message.Content, nil
}
