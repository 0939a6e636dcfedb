// Package gateway is the kiosk-facing surface of voxbooth: the /ws client
// socket that drives streaming synthesis and the small REST API used to
// create sessions, enrol voices and generate replies.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/voxbooth/internal/session"
	"github.com/MrWong99/voxbooth/pkg/memory"
	"github.com/MrWong99/voxbooth/pkg/playback"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
)

// DefaultMaxUploadBytes caps a voice sample upload.
const DefaultMaxUploadBytes = 20 << 20

// VoiceCloner enrols and removes cloned voices.
type VoiceCloner interface {
	CloneVoice(ctx context.Context, voiceID, filename string, sample []byte) error
	DeleteVoice(ctx context.Context, voiceID string) error
}

// Synthesizer renders a complete clip in one request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) ([]byte, error)
}

// Replier generates the assistant's next line for a session.
type Replier interface {
	Reply(ctx context.Context, sessionID, text string) (string, error)
}

// Config holds the gateway's dependencies. Manager and Store are required;
// the REST endpoints backed by a nil Voices, Speech or Replies answer 501.
type Config struct {
	Manager *session.Manager
	Store   memory.SessionStore
	Voices  VoiceCloner
	Speech  Synthesizer
	Replies Replier

	// Playback is published at GET /api/playback.
	Playback playback.Config

	// AllowedOrigins are host patterns accepted on the websocket upgrade.
	// Empty allows same-origin requests only.
	AllowedOrigins []string

	// MaxUploadBytes defaults to [DefaultMaxUploadBytes].
	MaxUploadBytes int64
}

// Server serves the client socket and the REST API.
type Server struct {
	manager   *session.Manager
	store     memory.SessionStore
	voices    VoiceCloner
	speech    Synthesizer
	replies   Replier
	playback  playback.Config
	origins   []string
	maxUpload int64
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("gateway: session store is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Server{
		manager:   cfg.Manager,
		store:     cfg.Store,
		voices:    cfg.Voices,
		speech:    cfg.Speech,
		replies:   cfg.Replies,
		playback:  cfg.Playback,
		origins:   cfg.AllowedOrigins,
		maxUpload: cfg.MaxUploadBytes,
	}, nil
}

// Register adds every gateway route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/voice", s.cloneVoice)
	mux.HandleFunc("DELETE /api/sessions/{id}/voice", s.deleteVoice)
	mux.HandleFunc("POST /api/sessions/{id}/speech", s.synthesize)
	mux.HandleFunc("POST /api/sessions/{id}/reply", s.reply)
	mux.HandleFunc("GET /api/playback", s.playbackDefaults)
}

// StoreVoiceResolver looks voices up in store. It is the usual
// [session.Config.ResolveVoice].
func StoreVoiceResolver(store memory.SessionStore) session.VoiceResolver {
	return func(ctx context.Context, id string) (string, error) {
		rec, err := store.GetSession(ctx, id)
		if err != nil {
			return "", err
		}
		return rec.VoiceID, nil
	}
}

// sessionView is the JSON shape of a stored session.
type sessionView struct {
	ID        string    `json:"id"`
	VoiceID   string    `json:"voiceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Live      bool      `json:"live"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
