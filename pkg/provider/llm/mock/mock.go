// Package mock provides a recording test double for [llm.Provider].
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbooth/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of [llm.Provider]. Set the exported
// result fields before use and inspect the call records afterwards.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by Complete.
	CompleteErr error

	// TokenCount, if non-zero, is returned by CountTokens. Otherwise the
	// count is [llm.EstimateTokens].
	TokenCount int

	// CountTokensErr, if non-nil, is returned by CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCalls counts invocations of CountTokens.
	CountTokensCalls int
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens records the call.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls++
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount != 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}
