// Package mock provides a recording test double for [memory.SessionStore].
//
// Each method records its call and returns the configured result. The mock
// is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.SessionStore{GetSessionResult: memory.Session{ID: "s1", VoiceID: "v1"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendMessage"); got != 2 {
//	    t.Errorf("AppendMessage calls = %d, want 2", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbooth/pkg/memory"
)

// Call records the name and non-context arguments of one method invocation.
type Call struct {
	Method string
	Args   []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
type SessionStore struct {
	mu    sync.Mutex
	calls []Call

	// CreateSessionErr is returned by CreateSession when non-nil.
	CreateSessionErr error

	// GetSessionResult is returned by GetSession. Its ID is set to the
	// requested ID when empty.
	GetSessionResult memory.Session

	// GetSessionErr is returned by GetSession when non-nil.
	GetSessionErr error

	// SetVoiceErr is returned by SetVoice when non-nil.
	SetVoiceErr error

	// AppendMessageErr is returned by AppendMessage when non-nil.
	AppendMessageErr error

	// RecentMessagesResult is returned by RecentMessages.
	RecentMessagesResult []memory.Message

	// RecentMessagesErr is returned by RecentMessages when non-nil.
	RecentMessagesErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error
}

var _ memory.SessionStore = (*SessionStore)(nil)

func (m *SessionStore) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Messages returns the messages passed to AppendMessage, in order.
func (m *SessionStore) Messages() []memory.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Message
	for _, c := range m.calls {
		if c.Method == "AppendMessage" {
			out = append(out, c.Args[0].(memory.Message))
		}
	}
	return out
}

// CreateSession implements [memory.SessionStore].
func (m *SessionStore) CreateSession(_ context.Context, id string) (memory.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateSession", id)
	if m.CreateSessionErr != nil {
		return memory.Session{}, m.CreateSessionErr
	}
	return memory.Session{ID: id}, nil
}

// GetSession implements [memory.SessionStore].
func (m *SessionStore) GetSession(_ context.Context, id string) (memory.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetSession", id)
	if m.GetSessionErr != nil {
		return memory.Session{}, m.GetSessionErr
	}
	sess := m.GetSessionResult
	if sess.ID == "" {
		sess.ID = id
	}
	return sess, nil
}

// SetVoice implements [memory.SessionStore].
func (m *SessionStore) SetVoice(_ context.Context, id, voiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetVoice", id, voiceID)
	return m.SetVoiceErr
}

// AppendMessage implements [memory.SessionStore].
func (m *SessionStore) AppendMessage(_ context.Context, msg memory.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendMessage", msg)
	return m.AppendMessageErr
}

// RecentMessages implements [memory.SessionStore].
func (m *SessionStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]memory.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentMessages", sessionID, limit)
	return append([]memory.Message(nil), m.RecentMessagesResult...), m.RecentMessagesErr
}

// Ping implements [memory.SessionStore].
func (m *SessionStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [memory.SessionStore].
func (m *SessionStore) Close() error { return nil }
