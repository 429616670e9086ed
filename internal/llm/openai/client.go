// Package openai implements inference.Provider on the OpenAI chat
// completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/canary/internal/inference"
)

var (
	// ErrNoChoices is returned when the API answers without a choice.
	ErrNoChoices = errors.New("openai returned no choices")
	// ErrRefused is returned when the model declines to answer.
	ErrRefused = errors.New("openai refused the request")
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	GetModel(ctx context.Context, modelID string) (openai.Model, error)
}

// Client implements inference.Provider for OpenAI.
type Client struct {
	api chatCompleter
}

// New creates a client. An empty baseURL uses the public API.
func New(apiKey, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{api: openai.NewClientWithConfig(cfg)}
}

// ResolveModel returns preferred when the account can use it, otherwise
// fallback. The probe error is returned alongside the fallback so the
// caller can log why.
func (c *Client) ResolveModel(ctx context.Context, preferred, fallback string) (string, error) {
	if _, err := c.api.GetModel(ctx, preferred); err != nil {
		return fallback, fmt.Errorf("model %s unavailable: %w", preferred, err)
	}
	return preferred, nil
}

// Complete implements inference.Provider.
func (c *Client) Complete(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	chat := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toMessages(req.System, req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	switch {
	case req.Mode == inference.ModeStructured && req.Schema != nil:
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:        req.Schema.Name,
				Description: req.Schema.Description,
				Schema:      req.Schema.JSON,
				Strict:      true,
			},
		}
	case req.Mode == inference.ModeJSON:
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, chat)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrRefused, msg.Refusal)
	}

	out := &inference.Response{
		Content: msg.Content,
		Model:   resp.Model,
		Usage: inference.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if chat.ResponseFormat != nil && chat.ResponseFormat.Type == openai.ChatCompletionResponseFormatTypeJSONSchema &&
		json.Valid([]byte(msg.Content)) {
		out.Object = json.RawMessage(msg.Content)
	}
	return out, nil
}

func toMessages(system string, msgs []inference.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
