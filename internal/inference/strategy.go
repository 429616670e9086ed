package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/canary/internal/schema"
)

// ErrNoContent is returned when a response carries neither text nor a
// decoded object.
var ErrNoContent = errors.New("empty response from provider")

// Tier identifies which step of the strategy produced a result.
type Tier int

const (
	TierFailed Tier = iota
	TierStructured
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierStructured:
		return "structured"
	case TierFallback:
		return "fallback"
	default:
		return "failed"
	}
}

// Outcome is the tagged result of Attempt.
type Outcome[T any] struct {
	Tier  Tier
	Value T
	// StructuredErr is why native decoding failed; nil when it succeeded.
	StructuredErr error
	// Err is set only when Tier is TierFailed.
	Err error
	// Tokens is what this attempt added to the worker's total.
	Tokens int
}

// TierError is returned when both steps fail. It unwraps to the fallback
// cause, so errors.Is(err, schema.ErrValidation) holds for a
// non-conforming fallback answer.
type TierError struct {
	Stage      string
	Structured error
	Fallback   error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s: structured decoding failed (%v); fallback failed: %v", e.Stage, e.Structured, e.Fallback)
}

func (e *TierError) Unwrap() error { return e.Fallback }

// Attempt runs the two-step strategy for target type T: native structured
// decoding, then prompted JSON with explicit validation. There is no third
// step; a fallback failure yields TierFailed.
func Attempt[T any](ctx context.Context, w *Worker, payload any, instruction string) Outcome[T] {
	before := w.totalTokens
	fail := func(err error) Outcome[T] {
		return Outcome[T]{Tier: TierFailed, Err: err, Tokens: w.totalTokens - before}
	}

	desc, err := schema.For[T]()
	if err != nil {
		return fail(err)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return fail(fmt.Errorf("%s: encode payload: %w", w.cfg.Name, err))
	}

	v, structErr := structured[T](ctx, w, desc, data, instruction)
	if structErr == nil {
		return Outcome[T]{Tier: TierStructured, Value: v, Tokens: w.totalTokens - before}
	}

	w.logger.Warn(ctx, "structured decoding failed, falling back to prompted json",
		"schema", desc.Name,
		"error", structErr,
	)
	if w.hooks.OnFallback != nil {
		w.hooks.OnFallback(w.cfg.Name, structErr)
	}

	v, fbErr := fallback[T](ctx, w, desc, data, instruction)
	if fbErr != nil {
		out := fail(&TierError{Stage: w.cfg.Name, Structured: structErr, Fallback: fbErr})
		out.StructuredErr = structErr
		return out
	}
	return Outcome[T]{Tier: TierFallback, Value: v, StructuredErr: structErr, Tokens: w.totalTokens - before}
}

// Process runs Attempt and returns the value or the terminal error.
func Process[T any](ctx context.Context, w *Worker, payload any, instruction string) (T, error) {
	out := Attempt[T](ctx, w, payload, instruction)
	if out.Tier == TierFailed {
		var zero T
		return zero, out.Err
	}
	return out.Value, nil
}

func structured[T any](ctx context.Context, w *Worker, desc *schema.Descriptor, payload, instruction string) (T, error) {
	var zero T

	req := w.request(ModeStructured, instruction, "Analyze the following data:\n\n"+payload)
	req.Schema = desc

	resp, err := w.call(ctx, TierStructured, req)
	if err != nil {
		return zero, err
	}

	switch {
	case len(resp.Object) > 0:
		return schema.Decode[T](resp.Object)
	case strings.TrimSpace(resp.Content) != "":
		return schema.Decode[T]([]byte(resp.Content))
	default:
		return zero, ErrNoContent
	}
}

func fallback[T any](ctx context.Context, w *Worker, desc *schema.Descriptor, payload, instruction string) (T, error) {
	var zero T

	req := w.request(ModeJSON, fallbackSystemPrompt(instruction, desc),
		"Analyze the following data and respond with a JSON object matching the specified schema:\n\n"+payload)

	resp, err := w.call(ctx, TierFallback, req)
	if err != nil {
		return zero, err
	}

	text := resp.Content
	if strings.TrimSpace(text) == "" && len(resp.Object) > 0 {
		text = string(resp.Object)
	}
	raw, err := schema.ExtractJSON(text)
	if err != nil {
		return zero, err
	}
	return schema.Decode[T](raw)
}

func fallbackSystemPrompt(instruction string, desc *schema.Descriptor) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nYou must respond with a single valid JSON object that exactly matches the ")
	b.WriteString(desc.Name)
	b.WriteString(" schema below.\n\nFields:\n")
	b.WriteString(desc.Outline())
	b.WriteString("\nJSON Schema:\n")
	b.WriteString(desc.Indented())
	b.WriteString("\n\nReturn only the JSON object, with no markdown and no commentary.")
	return b.String()
}

func encodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	case json.RawMessage:
		return string(p), nil
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
