package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/pkg/audio"
	"github.com/MrWong99/voxbooth/pkg/memory"
	"github.com/MrWong99/voxbooth/pkg/protocol"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
)

// maxTextBytes caps the JSON bodies of speech and reply requests.
const maxTextBytes = 16 << 10

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.CreateSession(r.Context(), uuid.NewString())
	if err != nil {
		observe.Logger(r.Context()).Error("create session", "err", err)
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, s.view(rec))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

// cloneVoice enrols the uploaded sample (multipart field "audio") as the
// session's voice. A client socket already attached to the session is told
// the voice is ready.
func (s *Server) cloneVoice(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		writeError(w, http.StatusNotImplemented, "voice cloning is not configured")
		return
	}
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"audio\" is required")
		return
	}
	defer file.Close()
	sample, err := io.ReadAll(file)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "voice sample is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read voice sample")
		return
	}

	log := observe.Logger(r.Context()).With("session_id", rec.ID)
	voiceID := newVoiceID()
	if err := s.voices.CloneVoice(r.Context(), voiceID, header.Filename, sample); err != nil {
		log.Error("clone voice", "err", err)
		writeError(w, http.StatusBadGateway, "voice cloning failed")
		return
	}
	if err := s.store.SetVoice(r.Context(), rec.ID, voiceID); err != nil {
		log.Error("store cloned voice", "voice_id", voiceID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not save voice")
		return
	}
	log.Info("voice cloned", "voice_id", voiceID, "sample_bytes", len(sample))

	if conn := s.manager.Registry().Lookup(rec.ID); conn != nil {
		_ = conn.WriteMessage(r.Context(), protocol.Ready(voiceID))
	}
	writeJSON(w, http.StatusOK, map[string]string{"voiceId": voiceID})
}

func (s *Server) deleteVoice(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		writeError(w, http.StatusNotImplemented, "voice cloning is not configured")
		return
	}
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !rec.HasVoice() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.voices.DeleteVoice(r.Context(), rec.VoiceID); err != nil {
		observe.Logger(r.Context()).Error("delete voice", "session_id", rec.ID, "voice_id", rec.VoiceID, "err", err)
		writeError(w, http.StatusBadGateway, "voice deletion failed")
		return
	}
	if err := s.store.SetVoice(r.Context(), rec.ID, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "could not clear voice")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type speechRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
}

// synthesize renders a whole clip without streaming. The response is
// audio/mpeg with its duration in X-Audio-Duration-Ms.
func (s *Server) synthesize(w http.ResponseWriter, r *http.Request) {
	if s.speech == nil {
		writeError(w, http.StatusNotImplemented, "download synthesis is not configured")
		return
	}
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req speechRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.VoiceID == "" {
		req.VoiceID = rec.VoiceID
	}
	if req.VoiceID == "" {
		writeError(w, http.StatusConflict, "no voice has been cloned for this session")
		return
	}

	settings := s.manager.Defaults()
	if sess := s.manager.Session(rec.ID); sess != nil {
		settings = sess.Settings()
	}
	clip, err := s.speech.Synthesize(r.Context(), tts.Request{
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Model:   settings.Model,
		Speed:   settings.Speed,
	})
	if err != nil {
		observe.Logger(r.Context()).Error("download synthesis", "session_id", rec.ID, "err", err)
		writeError(w, http.StatusBadGateway, "synthesis failed")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(clip)))
	if d, err := audio.MP3Duration(clip); err == nil {
		w.Header().Set("X-Audio-Duration-Ms", strconv.FormatInt(d.Milliseconds(), 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip)
}

type replyRequest struct {
	Text string `json:"text"`

	// Speak also streams the reply to the session's live socket.
	Speak bool `json:"speak,omitempty"`
}

type replyResponse struct {
	Reply      string `json:"reply"`
	Spoken     bool   `json:"spoken"`
	SpeakError string `json:"speakError,omitempty"`
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request) {
	if s.replies == nil {
		writeError(w, http.StatusNotImplemented, "reply generation is not configured")
		return
	}
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req replyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	text, err := s.replies.Reply(r.Context(), rec.ID, req.Text)
	if err != nil {
		observe.Logger(r.Context()).Error("generate reply", "session_id", rec.ID, "err", err)
		writeError(w, http.StatusBadGateway, "reply generation failed")
		return
	}

	resp := replyResponse{Reply: text}
	if req.Speak {
		sess := s.manager.Session(rec.ID)
		switch {
		case sess == nil:
			resp.SpeakError = "session has no live socket"
		default:
			if _, err := sess.Speak(r.Context(), text, ""); err != nil {
				resp.SpeakError = err.Error()
			} else {
				resp.Spoken = true
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type playbackView struct {
	BufferGoalMs          int64 `json:"bufferGoalMs"`
	LowWaterMs            int64 `json:"lowWaterMs"`
	HighWaterMs           int64 `json:"highWaterMs"`
	HardLowMs             int64 `json:"hardLowMs"`
	GoalStepMs            int64 `json:"goalStepMs"`
	MaxGoalMs             int64 `json:"maxGoalMs"`
	EndGuardMs            int64 `json:"endGuardMs"`
	BatchTargetMs         int64 `json:"batchTargetMs"`
	BatchMaxBytes         int   `json:"batchMaxBytes"`
	UrgentBatchTargetMs   int64 `json:"urgentBatchTargetMs"`
	UrgentBatchMaxBytes   int   `json:"urgentBatchMaxBytes"`
	MaxConsecutiveRecover int   `json:"maxConsecutiveRecoveries"`
}

func (s *Server) playbackDefaults(w http.ResponseWriter, _ *http.Request) {
	c := s.playback
	writeJSON(w, http.StatusOK, playbackView{
		BufferGoalMs:          c.BufferGoal.Milliseconds(),
		LowWaterMs:            c.LowWater.Milliseconds(),
		HighWaterMs:           c.HighWater.Milliseconds(),
		HardLowMs:             c.HardLow.Milliseconds(),
		GoalStepMs:            c.GoalStep.Milliseconds(),
		MaxGoalMs:             c.MaxGoal.Milliseconds(),
		EndGuardMs:            c.EndGuard.Milliseconds(),
		BatchTargetMs:         c.Batcher.Target.Milliseconds(),
		BatchMaxBytes:         c.Batcher.MaxBytes,
		UrgentBatchTargetMs:   c.Batcher.UrgentTarget.Milliseconds(),
		UrgentBatchMaxBytes:   c.Batcher.UrgentMaxBytes,
		MaxConsecutiveRecover: c.MaxRecoveries,
	})
}

// lookup loads the session named by the {id} path value, writing the error
// response itself when it fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (memory.Session, bool) {
	id := r.PathValue("id")
	rec, err := s.store.GetSession(r.Context(), id)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown session")
		return memory.Session{}, false
	case err != nil:
		observe.Logger(r.Context()).Error("session lookup", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return memory.Session{}, false
	}
	return rec, true
}

func (s *Server) view(rec memory.Session) sessionView {
	return sessionView{
		ID:        rec.ID,
		VoiceID:   rec.VoiceID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Live:      s.manager.Registry().Lookup(rec.ID) != nil,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// newVoiceID returns an ID accepted by the voice clone API: it starts with
// a letter and contains only letters and digits.
func newVoiceID() string {
	return "vb" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
