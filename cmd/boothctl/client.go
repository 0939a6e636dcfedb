package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voxbooth/pkg/playback"
)

// client talks to the voxbooth REST API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// wsURL returns the websocket endpoint for the same server.
func (c *client) wsURL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type sessionInfo struct {
	ID      string `json:"id"`
	VoiceID string `json:"voiceId"`
	Live    bool   `json:"live"`
}

func (c *client) createSession(ctx context.Context) (sessionInfo, error) {
	var s sessionInfo
	err := c.do(ctx, http.MethodPost, "/api/sessions", "", nil, &s)
	return s, err
}

func (c *client) getSession(ctx context.Context, id string) (sessionInfo, error) {
	var s sessionInfo
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), "", nil, &s)
	return s, err
}

// cloneVoice uploads the audio file at path as the session's voice sample.
func (c *client) cloneVoice(ctx context.Context, id, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		VoiceID string `json:"voiceId"`
	}
	err = c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/voice", mw.FormDataContentType(), &buf, &out)
	return out.VoiceID, err
}

// reply asks the server for the assistant's next line, optionally speaking
// it on the session's live socket.
func (c *client) reply(ctx context.Context, id, text string, speak bool) (string, error) {
	body, err := json.Marshal(map[string]any{"text": text, "speak": speak})
	if err != nil {
		return "", err
	}
	var out struct {
		Reply      string `json:"reply"`
		SpeakError string `json:"speakError"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/reply", "application/json", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.SpeakError != "" {
		return out.Reply, fmt.Errorf("reply not spoken: %s", out.SpeakError)
	}
	return out.Reply, nil
}

// playbackConfig fetches the server's jitter-buffer thresholds. Fields the
// server leaves zero keep the local defaults.
func (c *client) playbackConfig(ctx context.Context) (playback.Config, error) {
	var v struct {
		BufferGoalMs             int64 `json:"bufferGoalMs"`
		LowWaterMs               int64 `json:"lowWaterMs"`
		HighWaterMs              int64 `json:"highWaterMs"`
		HardLowMs                int64 `json:"hardLowMs"`
		GoalStepMs               int64 `json:"goalStepMs"`
		MaxGoalMs                int64 `json:"maxGoalMs"`
		EndGuardMs               int64 `json:"endGuardMs"`
		BatchTargetMs            int64 `json:"batchTargetMs"`
		BatchMaxBytes            int   `json:"batchMaxBytes"`
		UrgentBatchTargetMs      int64 `json:"urgentBatchTargetMs"`
		UrgentBatchMaxBytes      int   `json:"urgentBatchMaxBytes"`
		MaxConsecutiveRecoveries int   `json:"maxConsecutiveRecoveries"`
	}
	cfg := playback.DefaultConfig()
	if err := c.do(ctx, http.MethodGet, "/api/playback", "", nil, &v); err != nil {
		return cfg, err
	}

	ms := func(dst *time.Duration, v int64) {
		if v > 0 {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
	ms(&cfg.BufferGoal, v.BufferGoalMs)
	ms(&cfg.LowWater, v.LowWaterMs)
	ms(&cfg.HighWater, v.HighWaterMs)
	ms(&cfg.HardLow, v.HardLowMs)
	ms(&cfg.GoalStep, v.GoalStepMs)
	ms(&cfg.MaxGoal, v.MaxGoalMs)
	ms(&cfg.EndGuard, v.EndGuardMs)
	ms(&cfg.Batcher.Target, v.BatchTargetMs)
	ms(&cfg.Batcher.UrgentTarget, v.UrgentBatchTargetMs)
	if v.BatchMaxBytes > 0 {
		cfg.Batcher.MaxBytes = v.BatchMaxBytes
	}
	if v.UrgentBatchMaxBytes > 0 {
		cfg.Batcher.UrgentMaxBytes = v.UrgentBatchMaxBytes
	}
	if v.MaxConsecutiveRecoveries > 0 {
		cfg.MaxRecoveries = v.MaxConsecutiveRecoveries
	}
	return cfg, nil
}
