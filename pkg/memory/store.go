// Package memory persists kiosk sessions and their conversation transcripts.
//
// A session is created when a visitor starts at the kiosk. It gains a voice
// ID once their voice has been cloned, and accumulates one [Message] per
// conversational turn. [SessionStore] is implemented by the in-process
// [MemStore] and by the postgres and sqlite sub-packages.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("memory: session not found")

// ErrDuplicateID is returned by CreateSession for an existing ID.
var ErrDuplicateID = errors.New("memory: session already exists")

// SessionStore is the persistence contract for sessions and transcripts.
type SessionStore interface {
	// CreateSession stores a new session without a voice.
	CreateSession(ctx context.Context, id string) (Session, error)

	// GetSession returns the session or [ErrNotFound].
	GetSession(ctx context.Context, id string) (Session, error)

	// SetVoice records the cloned voice ID. An empty voiceID clears it.
	// Returns [ErrNotFound] for an unknown session.
	SetVoice(ctx context.Context, id, voiceID string) error

	// AppendMessage adds a transcript message. A zero CreatedAt is set to
	// the current time. Returns [ErrNotFound] for an unknown session.
	AppendMessage(ctx context.Context, msg Message) error

	// RecentMessages returns up to limit of the newest messages for the
	// session, oldest first. limit <= 0 returns all of them.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
