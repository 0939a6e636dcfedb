package memory

import "time"

// Session is one visitor's kiosk session.
type Session struct {
	ID string

	// VoiceID is the provider voice cloned from the visitor. Empty until
	// enrollment has succeeded.
	VoiceID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasVoice reports whether the session's voice has been cloned.
func (s Session) HasVoice() bool { return s.VoiceID != "" }

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation transcript.
type Message struct {
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}
