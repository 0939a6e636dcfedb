// Package conversation generates the kiosk's side of a visitor conversation.
//
// A [Service] keeps no state of its own beyond the persona prompt: every
// turn is loaded from and written back to a [memory.SessionStore], so a
// reply can be generated for any session from any socket or REST call.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/pkg/memory"
	"github.com/MrWong99/voxbooth/pkg/provider/llm"
)

// Defaults applied when the corresponding [Config] field is zero.
const (
	DefaultHistoryTurns     = 20
	DefaultMaxHistoryTokens = 2000
)

// ErrEmptyText is returned by [Service.Reply] for blank visitor input.
var ErrEmptyText = errors.New("conversation: text must not be empty")

// ErrEmptyReply is returned when the model answers with no text.
var ErrEmptyReply = errors.New("conversation: model returned an empty reply")

// Config configures a [Service].
type Config struct {
	// LLM writes the replies. Required.
	LLM llm.Provider

	// Store holds the transcripts. Required.
	Store memory.SessionStore

	// SystemPrompt is the persona sent with every request.
	SystemPrompt string

	// HistoryTurns is how many stored messages are loaded per reply.
	HistoryTurns int

	// MaxHistoryTokens is the token budget for the loaded history including
	// the new visitor turn. Oldest messages are dropped first.
	MaxHistoryTokens int

	// MaxTokens and Temperature are passed to the model. Zero means the
	// provider default.
	MaxTokens   int
	Temperature float64

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Service generates replies. It is safe for concurrent use.
type Service struct {
	llm         llm.Provider
	store       memory.SessionStore
	turns       int
	budget      int
	maxTokens   int
	temperature float64
	metrics     *observe.Metrics

	mu     sync.RWMutex
	prompt string
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.LLM == nil {
		return nil, errors.New("conversation: LLM provider is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("conversation: session store is required")
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = DefaultMaxHistoryTokens
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Service{
		llm:         cfg.LLM,
		store:       cfg.Store,
		turns:       cfg.HistoryTurns,
		budget:      cfg.MaxHistoryTokens,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		metrics:     cfg.Metrics,
		prompt:      cfg.SystemPrompt,
	}, nil
}

// SystemPrompt returns the current persona prompt.
func (s *Service) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompt
}

// SetSystemPrompt replaces the persona prompt for subsequent replies.
func (s *Service) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.prompt = prompt
	s.mu.Unlock()
}

// Reply answers text in the context of the session's recent transcript and
// stores both turns. Nothing is stored when generation fails.
func (s *Service) Reply(ctx context.Context, sessionID, text string) (_ string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}

	ctx, span := observe.StartSpan(ctx, "conversation.reply",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("conversation: %w", err)
	}
	stored, err := s.store.RecentMessages(ctx, sessionID, s.turns)
	if err != nil {
		return "", fmt.Errorf("conversation: load history: %w", err)
	}

	history := make([]llm.Message, 0, len(stored)+1)
	for _, m := range stored {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: text})
	history, err = s.trim(history)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     history,
		SystemPrompt: s.SystemPrompt(),
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
	if err != nil {
		return "", fmt.Errorf("conversation: complete: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	span.SetAttributes(
		attribute.Int("history_messages", len(history)),
		attribute.Int("usage.total_tokens", resp.Usage.TotalTokens),
	)

	now := time.Now().UTC()
	for _, m := range []memory.Message{
		{SessionID: sessionID, Role: memory.RoleUser, Content: text, CreatedAt: now},
		{SessionID: sessionID, Role: memory.RoleAssistant, Content: reply, CreatedAt: now.Add(time.Microsecond)},
	} {
		if err := s.store.AppendMessage(ctx, m); err != nil {
			return "", fmt.Errorf("conversation: store %s turn: %w", m.Role, err)
		}
	}
	return reply, nil
}

// trim drops the oldest messages until history fits the token budget. The
// newest message is always kept, and a leading assistant turn is dropped so
// the model never sees an answer without its question.
func (s *Service) trim(history []llm.Message) ([]llm.Message, error) {
	for len(history) > 1 {
		n, err := s.llm.CountTokens(history)
		if err != nil {
			return nil, fmt.Errorf("conversation: count tokens: %w", err)
		}
		if n <= s.budget {
			break
		}
		history = history[1:]
	}
	for len(history) > 1 && history[0].Role == llm.RoleAssistant {
		history = history[1:]
	}
	return history, nil
}
