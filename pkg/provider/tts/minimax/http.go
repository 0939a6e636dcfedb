package minimax

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/MrWong99/voxbooth/internal/resilience"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
)

// HTTPError is a non-2xx REST response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("minimax: http %d: %s", e.StatusCode, e.Body)
}

// Is matches [ErrAuthentication] for 401 and 403.
func (e *HTTPError) Is(target error) bool {
	return target == ErrAuthentication &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// retryable reports whether a REST error may succeed on a later attempt.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	return true
}

// withRetry runs fn under the provider's retry policy, stopping early on
// errors that cannot succeed on retry.
func withRetry[R any](ctx context.Context, p *Provider, fn func(context.Context) (R, error)) (R, error) {
	return resilience.RetryWithResult(ctx, p.retry, func(ctx context.Context) (R, error) {
		r, err := fn(ctx)
		if err != nil && !retryable(err) {
			return r, resilience.Permanent(err)
		}
		return r, err
	})
}

func (p *Provider) endpoint(path string) string {
	u := p.httpBaseURL + path
	if p.groupID != "" {
		u += "?GroupId=" + url.QueryEscape(p.groupID)
	}
	return u
}

// do sends req and decodes a JSON response into out. A non-zero base_resp is
// returned as a [StatusError].
func (p *Provider) do(req *http.Request, out any, base func() *baseResp) error {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("minimax: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("minimax: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("minimax: decode response: %w", err)
	}
	return base().err()
}

func (p *Provider) postJSON(ctx context.Context, path string, in, out any, base func() *baseResp) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("minimax: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("minimax: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out, base)
}

// ── Download-mode synthesis ──────────────────────────────────────────────────

type synthesizeRequest struct {
	Model         string        `json:"model"`
	Text          string        `json:"text"`
	Stream        bool          `json:"stream"`
	VoiceSetting  voiceSetting  `json:"voice_setting"`
	AudioSetting  AudioSettings `json:"audio_setting"`
	LanguageBoost string        `json:"language_boost,omitempty"`
	OutputFormat  string        `json:"output_format"`
}

type synthesizeResponse struct {
	Data *struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
	BaseResp *baseResp `json:"base_resp"`
}

// Synthesize renders req in one non-streaming call and returns the complete
// audio file in the configured format.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	body := synthesizeRequest{
		Model:         p.modelFor(req),
		Text:          req.Text,
		VoiceSetting:  p.voiceFor(req),
		AudioSetting:  p.audio,
		LanguageBoost: p.languageBoost,
		OutputFormat:  "hex",
	}

	return withRetry(ctx, p, func(ctx context.Context) ([]byte, error) {
		var resp synthesizeResponse
		if err := p.postJSON(ctx, "/v1/t2a_v2", body, &resp, func() *baseResp { return resp.BaseResp }); err != nil {
			return nil, err
		}
		if resp.Data == nil || resp.Data.Audio == "" {
			return nil, resilience.Permanent(fmt.Errorf("%w: response carries no audio", ErrProtocol))
		}
		audio, err := hex.DecodeString(resp.Data.Audio)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("%w: audio is not hex: %w", ErrProtocol, err))
		}
		return audio, nil
	})
}

// ── Voice cloning ────────────────────────────────────────────────────────────

type uploadResponse struct {
	File *struct {
		FileID int64 `json:"file_id"`
	} `json:"file"`
	BaseResp *baseResp `json:"base_resp"`
}

type cloneRequest struct {
	FileID  int64  `json:"file_id"`
	VoiceID string `json:"voice_id"`
}

type deleteVoiceRequest struct {
	VoiceType string `json:"voice_type"`
	VoiceID   string `json:"voice_id"`
}

type baseOnlyResponse struct {
	BaseResp *baseResp `json:"base_resp"`
}

// CloneVoice uploads a voice sample and registers it as voiceID. voiceID
// must satisfy the provider's rules (at least 8 characters, starting with a
// letter).
func (p *Provider) CloneVoice(ctx context.Context, voiceID, filename string, sample []byte) error {
	if voiceID == "" {
		return errors.New("minimax: voice ID must not be empty")
	}
	if len(sample) == 0 {
		return errors.New("minimax: voice sample must not be empty")
	}

	fileID, err := withRetry(ctx, p, func(ctx context.Context) (int64, error) {
		return p.upload(ctx, filename, sample)
	})
	if err != nil {
		return fmt.Errorf("minimax: upload sample: %w", err)
	}

	_, err = withRetry(ctx, p, func(ctx context.Context) (struct{}, error) {
		var resp baseOnlyResponse
		err := p.postJSON(ctx, "/v1/voice_clone", cloneRequest{FileID: fileID, VoiceID: voiceID}, &resp,
			func() *baseResp { return resp.BaseResp })
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("minimax: clone voice %q: %w", voiceID, err)
	}
	return nil
}

func (p *Provider) upload(ctx context.Context, filename string, sample []byte) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "voice_clone"); err != nil {
		return 0, err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, err
	}
	if _, err := fw.Write(sample); err != nil {
		return 0, err
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/files/upload"), &buf)
	if err != nil {
		return 0, fmt.Errorf("minimax: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp uploadResponse
	if err := p.do(req, &resp, func() *baseResp { return resp.BaseResp }); err != nil {
		return 0, err
	}
	if resp.File == nil || resp.File.FileID == 0 {
		return 0, resilience.Permanent(fmt.Errorf("%w: upload response carries no file_id", ErrProtocol))
	}
	return resp.File.FileID, nil
}

// DeleteVoice removes a cloned voice.
func (p *Provider) DeleteVoice(ctx context.Context, voiceID string) error {
	if voiceID == "" {
		return errors.New("minimax: voice ID must not be empty")
	}
	_, err := withRetry(ctx, p, func(ctx context.Context) (struct{}, error) {
		var resp baseOnlyResponse
		err := p.postJSON(ctx, "/v1/delete_voice", deleteVoiceRequest{VoiceType: "voice_cloning", VoiceID: voiceID}, &resp,
			func() *baseResp { return resp.BaseResp })
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("minimax: delete voice %q: %w", voiceID, err)
	}
	return nil
}
