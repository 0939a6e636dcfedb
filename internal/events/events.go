// Package events publishes synthesis lifecycle events. Publishing is
// best-effort: a slow or absent event bus never delays audio delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/voxbooth/pkg/protocol"
)

// Kind names an event. The published subject is "<prefix>.<kind>".
type Kind string

const (
	KindStarted   Kind = "synthesis.started"
	KindCompleted Kind = "synthesis.completed"
	KindFailed    Kind = "synthesis.failed"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "voxbooth"

// Event is one lifecycle notification.
type Event struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	VoiceID   string          `json:"voice_id,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stats     *protocol.Stats `json:"stats,omitempty"`
	Time      time.Time       `json:"time"`
}

// Subject returns the subject ev is published on under prefix.
func (ev Event) Subject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(ev.Kind)
}

func (ev Event) encode() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", ev.Kind, err)
	}
	return data, nil
}

// Publisher delivers events. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

var _ Publisher = Nop{}

// Publish implements [Publisher].
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements [Publisher].
func (Nop) Close() error { return nil }
