// Package inference runs schema-constrained requests against an LLM
// service. A Worker wraps one model configuration, tries native structured
// decoding first, falls back to prompted JSON with explicit validation, and
// keeps a running token total for cost accounting.
package inference

import (
	"context"
	"encoding/json"

	"github.com/linnemanlabs/canary/internal/schema"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Mode selects how the provider should constrain its output.
type Mode string

const (
	// ModeStructured asks the service to decode directly into Request.Schema.
	ModeStructured Mode = "structured"
	// ModeJSON asks for an unconstrained completion that should be a JSON object.
	ModeJSON Mode = "json"
)

// Request is a single completion request.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	System      string
	Messages    []Message
	Mode        Mode
	// Schema is set for ModeStructured.
	Schema *schema.Descriptor
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the provider's answer.
type Response struct {
	// Content is the raw text of the completion.
	Content string
	// Object is the payload the service decoded natively, when it did.
	Object json.RawMessage
	Model  string
	Usage  Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
