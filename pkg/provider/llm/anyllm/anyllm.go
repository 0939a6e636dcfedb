// Package anyllm provides an LLM provider backed by
// github.com/mozilla-ai/any-llm-go, which fronts Anthropic, Gemini, Ollama,
// DeepSeek, Mistral, Groq, llama.cpp and OpenAI behind one interface.
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxbooth/pkg/provider/llm"
)

// Backends lists the provider names accepted by [New].
var Backends = []string{"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama", "openai"}

// Provider implements [llm.Provider] on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the named backend. Without an API key option
// the backend falls back to its usual environment variable
// (ANTHROPIC_API_KEY, GEMINI_API_KEY and so on).
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, errors.New("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: %s", name, strings.Join(Backends, ", "))
	}
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: no messages")
	}
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: string(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements [llm.Provider].
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// modelCapabilities returns limits for known model families. Unknown models
// get conservative defaults.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{ContextWindow: 32_000, MaxOutputTokens: 4_096}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.ContextWindow = 128_000
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "deepseek"):
		caps.ContextWindow = 64_000
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "mistral"), strings.HasPrefix(lower, "llama3"):
		caps.ContextWindow = 128_000
	}
	return caps
}
