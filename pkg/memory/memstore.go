package memory

import (
	"context"
	"sync"
	"time"
)

var _ SessionStore = (*MemStore)(nil)

// MemStore is an in-memory [SessionStore]. The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
	now      func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// CreateSession implements [SessionStore].
func (s *MemStore) CreateSession(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]Session)
		s.messages = make(map[string][]Message)
	}
	if _, ok := s.sessions[id]; ok {
		return Session{}, ErrDuplicateID
	}
	now := s.clock()
	sess := Session{ID: id, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return sess, nil
}

// GetSession implements [SessionStore].
func (s *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// SetVoice implements [SessionStore].
func (s *MemStore) SetVoice(_ context.Context, id, voiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.VoiceID = voiceID
	sess.UpdatedAt = s.clock()
	s.sessions[id] = sess
	return nil
}

// AppendMessage implements [SessionStore].
func (s *MemStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return ErrNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

// RecentMessages implements [SessionStore].
func (s *MemStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

// Ping implements [SessionStore].
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [SessionStore].
func (s *MemStore) Close() error { return nil }
