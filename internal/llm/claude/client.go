// Package claude implements inference.Provider on the Anthropic Messages
// API. Structured requests are served by forcing a single tool call whose
// input schema is the requested payload.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/canary/internal/inference"
	"github.com/linnemanlabs/canary/internal/schema"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// messageSender is the slice of the SDK the client needs.
type messageSender interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client implements inference.Provider for the Claude API.
type Client struct {
	messages messageSender
	model    string
}

// New creates a new Claude API client with the given API key and default
// model name. Requests that name a model override it.
func New(apiKey, model string) *Client {
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	if model == "" {
		model = DefaultModel
	}
	return &Client{messages: &sdk.Messages, model: model}
}

// Model returns the default model.
func (c *Client) Model() string { return c.model }

// toolName is the forced tool for a payload schema.
func toolName(d *schema.Descriptor) string {
	return "record_" + d.Name
}

// Complete implements inference.Provider.
func (c *Client) Complete(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	params, err := c.toParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}

	// a structured answer without the tool call is returned as plain text;
	// the worker rejects it when it fails to decode
	resp := fromSDKResponse(msg)
	if req.Mode == inference.ModeStructured && req.Schema != nil {
		name := toolName(req.Schema)
		for _, b := range msg.Content {
			if b.Type == "tool_use" && b.Name == name {
				resp.Object = json.RawMessage(b.Input)
				break
			}
		}
	}
	return resp, nil
}

func (c *Client) toParams(req *inference.Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	system, msgs := toSDKMessages(req.System, req.Messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 1024
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if req.Mode == inference.ModeStructured && req.Schema != nil {
		tool, err := toSDKTool(req.Schema)
		if err != nil {
			return params, err
		}
		params.Tools = []anthropic.ToolUnionParam{tool}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: toolName(req.Schema)},
		}
	}
	return params, nil
}

// toSDKMessages converts the conversation. System turns are folded into the
// system prompt since the Messages API only accepts user and assistant
// roles.
func toSDKMessages(system string, msgs []inference.Message) (string, []anthropic.MessageParam) {
	sys := []string{}
	if system != "" {
		sys = append(sys, system)
	}
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "system":
			sys = append(sys, m.Content)
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(block))
		default:
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return strings.Join(sys, "\n\n"), out
}

// toSDKTool builds the forced tool from a descriptor. Keys other than
// properties and required (e.g. $defs) ride along as extra fields.
func toSDKTool(d *schema.Descriptor) (anthropic.ToolUnionParam, error) {
	doc, err := d.Document()
	if err != nil {
		return anthropic.ToolUnionParam{}, err
	}

	input := anthropic.ToolInputSchemaParam{Properties: doc["properties"]}
	if req, ok := doc["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				input.Required = append(input.Required, s)
			}
		}
	}
	extra := map[string]any{}
	for k, v := range doc {
		switch k {
		case "type", "properties", "required":
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		input.ExtraFields = extra
	}

	return anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
		Name:        toolName(d),
		Description: anthropic.String(d.Description),
		InputSchema: input,
	}}, nil
}

func fromSDKResponse(msg *anthropic.Message) *inference.Response {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &inference.Response{
		Content: text.String(),
		Model:   string(msg.Model),
		Usage: inference.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
