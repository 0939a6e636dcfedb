package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxbooth/pkg/provider/llm"
)

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are the voice of the museum.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Who are you?"},
			{Role: llm.RoleAssistant, Content: "Your echo."},
		},
		Temperature: 0.4,
		MaxTokens:   200,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[2].ContentString(); got != "Your echo." {
		t.Errorf("last content = %q", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 200 {
		t.Errorf("MaxTokens = %v, want 200", params.MaxTokens)
	}
}

func TestBuildParams_DefaultsOmitted(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature/max tokens should be left unset")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "model"); err == nil {
		t.Error("expected error for empty backend")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("watson", "model"); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		context int
	}{
		{"claude-3-5-sonnet-latest", 200_000},
		{"gemini-2.0-flash", 1_048_576},
		{"gemini-1.5-pro", 2_097_152},
		{"gpt-4o", 128_000},
		{"tinyllama", 32_000},
	}
	for _, tt := range tests {
		if got := modelCapabilities(tt.model).ContextWindow; got != tt.context {
			t.Errorf("%s: ContextWindow = %d, want %d", tt.model, got, tt.context)
		}
	}
}
