package resilience

import (
	"context"

	"github.com/MrWong99/voxbooth/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several
// language model backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an LLMFallback with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Backends returns the backend names in try order.
func (f *LLMFallback) Backends() []string { return f.group.Names() }

// Complete returns the first successful completion.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's tokenizer so that budgets stay stable
// across failovers.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
