// Package minimax implements the MiniMax T2A (text-to-audio) API.
//
// [Provider.Stream] drives the websocket task protocol and yields MP3
// fragments as they arrive. The HTTP calls ([Provider.Synthesize],
// [Provider.CloneVoice], [Provider.DeleteVoice]) are plain request/response
// calls and are retried with a fixed delay; the websocket stream is never
// retried.
package minimax

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/voxbooth/internal/resilience"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
)

const (
	// DefaultWSURL is the streaming T2A endpoint.
	DefaultWSURL = "wss://api.minimax.io/ws/v1/t2a_v2"

	// DefaultHTTPBaseURL is the REST API root.
	DefaultHTTPBaseURL = "https://api.minimax.io"

	// DefaultModel is used when a request does not name one.
	DefaultModel = "speech-02-turbo"

	// readLimit bounds a single websocket message. Hex audio frames are far
	// larger than the library's 32 KiB default.
	readLimit = 4 << 20
)

// Status codes with a special meaning.
const (
	CodeRateLimited    = 1002
	CodeAuthentication = 1004
	CodeQuotaExceeded  = 1039
)

var (
	// ErrMissingCredentials is returned by [New] without an API key.
	ErrMissingCredentials = errors.New("minimax: missing API key")

	// ErrAuthentication matches a [StatusError] with code 1004 and an HTTP
	// 401 during the websocket handshake.
	ErrAuthentication = errors.New("minimax: authentication failed")

	// ErrProtocol is returned for malformed or out-of-order control
	// messages.
	ErrProtocol = errors.New("minimax: protocol error")

	// ErrClosedBeforeFinal is returned when the provider socket ends before
	// the final audio fragment.
	ErrClosedBeforeFinal = errors.New("minimax: provider socket closed before final audio")
)

// StatusError is a non-zero base_resp.status_code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == CodeAuthentication {
		return fmt.Sprintf("minimax: authentication failed (status %d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("minimax: status %d: %s", e.Code, e.Message)
}

// Is matches [ErrAuthentication] for code 1004.
func (e *StatusError) Is(target error) bool {
	return target == ErrAuthentication && e.Code == CodeAuthentication
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	switch e.Code {
	case 1000, 1001, CodeRateLimited, CodeQuotaExceeded:
		return true
	default:
		return false
	}
}

type baseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

func (b *baseResp) err() error {
	if b == nil || b.StatusCode == 0 {
		return nil
	}
	return &StatusError{Code: b.StatusCode, Message: b.StatusMsg}
}

// AudioSettings is the audio_setting object.
type AudioSettings struct {
	SampleRate int    `json:"sample_rate"`
	Bitrate    int    `json:"bitrate"`
	Format     string `json:"format"`
	Channels   int    `json:"channel"`
}

// DefaultAudioSettings is 32 kHz mono MP3 at 128 kbit/s.
func DefaultAudioSettings() AudioSettings {
	return AudioSettings{SampleRate: 32000, Bitrate: 128000, Format: "mp3", Channels: 1}
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Volume  float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
}

// Option configures a [Provider].
type Option func(*Provider)

// WithWSURL overrides the streaming endpoint.
func WithWSURL(u string) Option {
	return func(p *Provider) { p.wsURL = u }
}

// WithHTTPBaseURL overrides the REST API root.
func WithHTTPBaseURL(u string) Option {
	return func(p *Provider) { p.httpBaseURL = u }
}

// WithGroupID sets the GroupId query parameter sent on REST calls.
func WithGroupID(id string) Option {
	return func(p *Provider) { p.groupID = id }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets volume and pitch applied to every request.
func WithVoice(volume float64, pitch int) Option {
	return func(p *Provider) {
		p.volume = volume
		p.pitch = pitch
	}
}

// WithAudio overrides the audio settings.
func WithAudio(a AudioSettings) Option {
	return func(p *Provider) { p.audio = a }
}

// WithLanguageBoost sets the language_boost hint ("auto", "Korean", ...).
func WithLanguageBoost(lang string) Option {
	return func(p *Provider) { p.languageBoost = lang }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithRetry sets the retry policy for REST calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(p *Provider) { p.retry = cfg }
}

// Provider is a MiniMax T2A client. It is safe for concurrent use.
type Provider struct {
	apiKey        string
	groupID       string
	wsURL         string
	httpBaseURL   string
	model         string
	volume        float64
	pitch         int
	languageBoost string
	audio         AudioSettings
	httpClient    *http.Client
	retry         resilience.RetryConfig
}

var _ tts.Streamer = (*Provider)(nil)

// New creates a Provider. An empty apiKey returns [ErrMissingCredentials].
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}
	p := &Provider{
		apiKey:        apiKey,
		wsURL:         DefaultWSURL,
		httpBaseURL:   DefaultHTTPBaseURL,
		model:         DefaultModel,
		volume:        1,
		languageBoost: "auto",
		audio:         DefaultAudioSettings(),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		retry:         resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	p.retry.Name = "minimax"
	return p, nil
}

// Audio returns the audio settings sent with every request.
func (p *Provider) Audio() AudioSettings { return p.audio }

func (p *Provider) voiceFor(req tts.Request) voiceSetting {
	speed := req.Speed
	if speed == 0 {
		speed = 1
	}
	return voiceSetting{VoiceID: req.VoiceID, Speed: speed, Volume: p.volume, Pitch: p.pitch}
}

func (p *Provider) modelFor(req tts.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func validate(req tts.Request) error {
	if req.Text == "" {
		return errors.New("minimax: text must not be empty")
	}
	if req.VoiceID == "" {
		return errors.New("minimax: voice ID must not be empty")
	}
	return nil
}
