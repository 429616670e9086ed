package claude

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/canary/internal/inference"
	"github.com/linnemanlabs/canary/internal/schema"
)

type fakeSender struct {
	got  anthropic.MessageNewParams
	resp *anthropic.Message
	err  error
}

func (f *fakeSender) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.got = body
	return f.resp, f.err
}

func descriptor(t *testing.T) *schema.Descriptor {
	t.Helper()
	d, err := schema.For[schema.RiskAssessment]()
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestToSDKMessages(t *testing.T) {
	t.Parallel()

	sys, msgs := toSDKMessages("base", []inference.Message{
		{Role: "system", Content: "extra"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	})

	if sys != "base\n\nextra" {
		t.Errorf("system = %q", sys)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].Content[0].OfText == nil || msgs[0].Content[0].OfText.Text != "hello" {
		t.Error("expected text block hello")
	}
}

func TestToSDKTool(t *testing.T) {
	t.Parallel()

	d := descriptor(t)
	tool, err := toSDKTool(d)
	if err != nil {
		t.Fatal(err)
	}
	if tool.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if tool.OfTool.Name != "record_risk_assessment" {
		t.Errorf("name = %q", tool.OfTool.Name)
	}
	if !tool.OfTool.Description.Valid() || tool.OfTool.Description.Value != d.Description {
		t.Errorf("description = %v", tool.OfTool.Description)
	}
	props, ok := tool.OfTool.InputSchema.Properties.(map[string]any)
	if !ok || props["risk_areas"] == nil {
		t.Errorf("properties = %v", tool.OfTool.InputSchema.Properties)
	}
	if len(tool.OfTool.InputSchema.Required) == 0 {
		t.Error("required fields were dropped")
	}
}

func TestComplete_Structured(t *testing.T) {
	t.Parallel()

	d := descriptor(t)
	input := `{"risk_areas":[],"overall_risk_level":"low"}`
	f := &fakeSender{resp: &anthropic.Message{
		Model: "claude-sonnet-4-5",
		Content: []anthropic.ContentBlockUnion{
			{Type: "tool_use", ID: "tu-1", Name: "record_risk_assessment", Input: json.RawMessage(input)},
		},
		StopReason: anthropic.StopReasonToolUse,
		Usage:      anthropic.Usage{InputTokens: 120, OutputTokens: 30},
	}}
	c := &Client{messages: f, model: DefaultModel}

	resp, err := c.Complete(context.Background(), &inference.Request{
		Model:       "claude-test",
		Temperature: 0.2,
		MaxTokens:   2000,
		System:      "assess",
		Messages:    []inference.Message{{Role: "user", Content: "data"}},
		Mode:        inference.ModeStructured,
		Schema:      d,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if string(resp.Object) != input {
		t.Errorf("Object = %s", resp.Object)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 30 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if f.got.Model != "claude-test" {
		t.Errorf("model = %q, want request model", f.got.Model)
	}
	if f.got.MaxTokens != 2000 {
		t.Errorf("max tokens = %d", f.got.MaxTokens)
	}
	if f.got.ToolChoice.OfTool == nil || f.got.ToolChoice.OfTool.Name != "record_risk_assessment" {
		t.Error("tool choice not forced")
	}
	if len(f.got.System) != 1 || f.got.System[0].Text != "assess" {
		t.Errorf("system = %+v", f.got.System)
	}
}

func TestComplete_StructuredWithoutToolCall(t *testing.T) {
	t.Parallel()

	f := &fakeSender{resp: &anthropic.Message{
		Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: "I cannot"}},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 10, OutputTokens: 2},
	}}
	c := &Client{messages: f, model: DefaultModel}

	resp, err := c.Complete(context.Background(), &inference.Request{
		Mode:   inference.ModeStructured,
		Schema: descriptor(t),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.Object) != 0 {
		t.Errorf("Object = %s, want empty", resp.Object)
	}
	if resp.Content != "I cannot" || resp.Usage.InputTokens != 10 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestComplete_JSONMode(t *testing.T) {
	t.Parallel()

	f := &fakeSender{resp: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"alerts":`},
			{Type: "text", Text: `[]}`},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}}
	c := &Client{messages: f, model: "claude-default"}

	resp, err := c.Complete(context.Background(), &inference.Request{
		Mode:     inference.ModeJSON,
		Messages: []inference.Message{{Role: "user", Content: "go"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"alerts":[]}` {
		t.Errorf("content = %q", resp.Content)
	}
	if len(f.got.Tools) != 0 {
		t.Error("json mode should not send tools")
	}
	if f.got.Model != "claude-default" {
		t.Errorf("model = %q, want client default", f.got.Model)
	}
	if f.got.MaxTokens != 1024 {
		t.Errorf("max tokens = %d, want 1024 default", f.got.MaxTokens)
	}
}

func TestComplete_SDKError(t *testing.T) {
	t.Parallel()

	boom := errors.New("overloaded")
	c := &Client{messages: &fakeSender{err: boom}, model: DefaultModel}

	_, err := c.Complete(context.Background(), &inference.Request{Mode: inference.ModeJSON})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestFromSDKResponse_Usage(t *testing.T) {
	t.Parallel()

	resp := fromSDKResponse(&anthropic.Message{
		Model: "claude-x",
		Usage: anthropic.Usage{InputTokens: 1234, OutputTokens: 567},
	})
	if resp.Usage.InputTokens != 1234 || resp.Usage.OutputTokens != 567 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "claude-x" {
		t.Errorf("model = %q", resp.Model)
	}
}
