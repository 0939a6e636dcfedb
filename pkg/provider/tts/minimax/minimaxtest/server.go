// Package minimaxtest runs a scripted in-process MiniMax T2A websocket
// server for tests.
package minimaxtest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// Script controls how the server answers a synthesis task.
type Script struct {
	// Fragments are sent as separate task_continued events, followed by a
	// final event without audio.
	Fragments [][]byte

	// StatusCode, if non-zero, makes the server answer the connection with a
	// failed base_resp instead of connected_success.
	StatusCode int
	StatusMsg  string

	// CloseBeforeFinal closes the socket after the fragments without sending
	// the final event.
	CloseBeforeFinal bool

	// Hold, if non-nil, is received from before the final event is sent.
	Hold <-chan struct{}

	// Handler, if set, replaces the scripted exchange entirely.
	Handler func(ctx context.Context, conn *websocket.Conn)
}

// TaskStart is the decoded task_start message a client sent.
type TaskStart struct {
	Model        string `json:"model"`
	VoiceSetting struct {
		VoiceID string  `json:"voice_id"`
		Speed   float64 `json:"speed"`
		Volume  float64 `json:"vol"`
		Pitch   int     `json:"pitch"`
	} `json:"voice_setting"`
	AudioSetting struct {
		SampleRate int    `json:"sample_rate"`
		Bitrate    int    `json:"bitrate"`
		Format     string `json:"format"`
		Channels   int    `json:"channel"`
	} `json:"audio_setting"`
	LanguageBoost string `json:"language_boost"`
}

// Server is a running fake provider.
type Server struct {
	srv    *httptest.Server
	script Script
	dials  atomic.Int32

	mu       sync.Mutex
	auth     []string
	starts   []TaskStart
	texts    []string
	finishes int
}

// NewServer starts a fake provider that is closed when the test ends.
func NewServer(t testing.TB, script Script) *Server {
	t.Helper()
	s := &Server{script: script}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Dials returns the number of websocket connections accepted.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Authorization returns the Authorization headers seen, in dial order.
func (s *Server) Authorization() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

// Starts returns the task_start messages received.
func (s *Server) Starts() []TaskStart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TaskStart(nil), s.starts...)
}

// Texts returns the texts received in task_continue messages.
func (s *Server) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Finishes returns how many task_finish messages were received.
func (s *Server) Finishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishes
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	if s.script.Handler != nil {
		s.script.Handler(ctx, conn)
		return
	}
	s.run(ctx, conn)
}

func (s *Server) run(ctx context.Context, conn *websocket.Conn) {
	if s.script.StatusCode != 0 {
		_ = WriteJSON(ctx, conn, map[string]any{
			"event":     "task_failed",
			"base_resp": map[string]any{"status_code": s.script.StatusCode, "status_msg": s.script.StatusMsg},
		})
		return
	}

	if WriteJSON(ctx, conn, map[string]any{
		"event":      "connected_success",
		"session_id": "fake-session",
		"base_resp":  map[string]any{"status_code": 0, "status_msg": "success"},
	}) != nil {
		return
	}

	var start struct {
		Event string `json:"event"`
		TaskStart
	}
	if ReadJSON(ctx, conn, &start) != nil || start.Event != "task_start" {
		return
	}
	s.mu.Lock()
	s.starts = append(s.starts, start.TaskStart)
	s.mu.Unlock()
	if WriteJSON(ctx, conn, map[string]any{"event": "task_started", "session_id": "fake-session"}) != nil {
		return
	}

	var cont struct {
		Event string `json:"event"`
		Text  string `json:"text"`
	}
	if ReadJSON(ctx, conn, &cont) != nil || cont.Event != "task_continue" {
		return
	}
	s.mu.Lock()
	s.texts = append(s.texts, cont.Text)
	s.mu.Unlock()

	for _, frag := range s.script.Fragments {
		if WriteJSON(ctx, conn, Continued(frag, false)) != nil {
			return
		}
	}
	if s.script.CloseBeforeFinal {
		_ = conn.Close(websocket.StatusInternalError, "upstream failure")
		return
	}
	if s.script.Hold != nil {
		select {
		case <-s.script.Hold:
		case <-ctx.Done():
			return
		}
	}
	if WriteJSON(ctx, conn, Continued(nil, true)) != nil {
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var fin struct {
		Event string `json:"event"`
	}
	if ReadJSON(readCtx, conn, &fin) == nil && fin.Event == "task_finish" {
		s.mu.Lock()
		s.finishes++
		s.mu.Unlock()
	}
}

// Continued builds a task_continued event.
func Continued(audio []byte, final bool) map[string]any {
	return map[string]any{
		"event":      "task_continued",
		"session_id": "fake-session",
		"is_final":   final,
		"data":       map[string]any{"audio": hex.EncodeToString(audio)},
		"base_resp":  map[string]any{"status_code": 0, "status_msg": "success"},
	}
}

// WriteJSON sends v as a text frame.
func WriteJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ReadJSON reads one text frame into v.
func ReadJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
