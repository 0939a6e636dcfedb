// Package llm defines the Provider interface for the language models that
// write the kiosk's side of a conversation.
//
// A Provider turns a conversation history plus a persona prompt into the next
// reply. Replies are synthesised as a single utterance, so only
// non-streaming completion is required.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn of a conversation.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text of the turn.
	Content string
}

// Usage holds token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation history. It must not be empty.
	Messages []Message

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	// Temperature controls randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the reply text.
	Content string

	// FinishReason is the backend's stop reason, e.g. "stop" or "length".
	FinishReason string

	// Usage is the token accounting for the request.
	Usage Usage
}

// ModelCapabilities describes the limits of the underlying model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the longest reply the model can produce.
	MaxOutputTokens int
}

// Provider is the abstraction over a language model backend.
type Provider interface {
	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages occupy in the context
	// window. The estimate may be approximate but must not undercount badly.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the model.
	Capabilities() ModelCapabilities
}

// EstimateTokens approximates the token footprint of messages at roughly
// four characters per token plus a fixed per-message overhead for role
// framing.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
