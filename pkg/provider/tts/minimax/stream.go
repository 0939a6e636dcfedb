package minimax

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbooth/pkg/provider/tts"
)

// Provider events.
const (
	eventConnectedSuccess = "connected_success"
	eventTaskStart        = "task_start"
	eventTaskStarted      = "task_started"
	eventTaskContinue     = "task_continue"
	eventTaskContinued    = "task_continued"
	eventTaskFinish       = "task_finish"
	eventTaskFailed       = "task_failed"
)

// streamState is the position in the task protocol.
type streamState int

const (
	stateConnecting streamState = iota
	stateConnected
	stateTaskStarted
	stateStreaming
	stateTerminal
)

func (s streamState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateTaskStarted:
		return "task_started"
	case stateStreaming:
		return "streaming"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

type taskStartMessage struct {
	Event         string        `json:"event"`
	Model         string        `json:"model"`
	VoiceSetting  voiceSetting  `json:"voice_setting"`
	AudioSetting  AudioSettings `json:"audio_setting"`
	LanguageBoost string        `json:"language_boost,omitempty"`
}

type taskContinueMessage struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

type eventMessage struct {
	Event string `json:"event"`
}

// inbound is any message the provider sends.
type inbound struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	TraceID   string `json:"trace_id"`
	IsFinal   bool   `json:"is_final"`
	Data      *struct {
		Audio string `json:"audio"`
	} `json:"data"`
	BaseResp *baseResp `json:"base_resp"`
}

// Stream is one websocket synthesis task. It implements [tts.Stream].
type Stream struct {
	conn   *websocket.Conn
	req    tts.Request
	start  taskStartMessage
	audio  chan []byte
	cancel context.CancelCauseFunc

	// state and sessionID are owned by the run goroutine.
	state     streamState
	sessionID string

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

var _ tts.Stream = (*Stream)(nil)

// Stream dials the provider and starts the task protocol. Dial failures
// (including a rejected handshake) are returned directly; everything after
// is reported through [Stream.Err].
func (p *Provider) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, p.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + p.apiKey}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("minimax: dial: %w: %w", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("minimax: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		conn:   conn,
		req:    req,
		audio:  make(chan []byte, 64),
		cancel: cancel,
		done:   make(chan struct{}),
		start: taskStartMessage{
			Event:         eventTaskStart,
			Model:         p.modelFor(req),
			VoiceSetting:  p.voiceFor(req),
			AudioSetting:  p.audio,
			LanguageBoost: p.languageBoost,
		},
	}
	go s.run(ctx)
	return s, nil
}

// Audio implements [tts.Stream].
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Err implements [tts.Stream].
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close implements [tts.Stream].
func (s *Stream) Close() error {
	s.cancel(context.Canceled)
	<-s.done
	return nil
}

func (s *Stream) run(ctx context.Context) {
	err := s.loop(ctx)
	s.finish(err)
}

// finish closes the socket and the audio channel exactly once.
func (s *Stream) finish(err error) {
	s.doneOnce.Do(func() {
		s.state = stateTerminal
		s.err = err
		if err != nil {
			_ = s.conn.Close(websocket.StatusInternalError, "task aborted")
		} else {
			_ = s.conn.Close(websocket.StatusNormalClosure, "done")
		}
		s.cancel(nil)
		close(s.audio)
		close(s.done)
	})
}

func (s *Stream) loop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("%w (state %s): %w", ErrClosedBeforeFinal, s.state, err)
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("%w: malformed message in state %s: %w", ErrProtocol, s.state, err)
		}
		if err := msg.BaseResp.err(); err != nil {
			return err
		}

		final, err := s.handle(ctx, msg)
		if err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// handle advances the state machine by one provider message. It returns true
// once the final audio fragment has been delivered.
func (s *Stream) handle(ctx context.Context, msg inbound) (bool, error) {
	if msg.Event == eventTaskFailed {
		return false, fmt.Errorf("minimax: task failed in state %s", s.state)
	}

	switch s.state {
	case stateConnecting:
		if msg.Event != eventConnectedSuccess {
			return false, s.unexpected(msg.Event)
		}
		s.sessionID = msg.SessionID
		slog.Debug("minimax: connected", "provider_session", msg.SessionID, "trace_id", msg.TraceID)
		if err := s.send(ctx, s.start); err != nil {
			return false, err
		}
		s.state = stateConnected

	case stateConnected:
		if msg.Event != eventTaskStarted {
			return false, s.unexpected(msg.Event)
		}
		if err := s.send(ctx, taskContinueMessage{Event: eventTaskContinue, Text: s.req.Text}); err != nil {
			return false, err
		}
		s.state = stateTaskStarted

	case stateTaskStarted, stateStreaming:
		if msg.Event != eventTaskContinued {
			return false, s.unexpected(msg.Event)
		}
		s.state = stateStreaming
		if msg.Data != nil && msg.Data.Audio != "" {
			b, err := hex.DecodeString(msg.Data.Audio)
			if err != nil {
				return false, fmt.Errorf("%w: audio is not hex: %w", ErrProtocol, err)
			}
			if len(b) > 0 {
				select {
				case s.audio <- b:
				case <-ctx.Done():
					return false, context.Cause(ctx)
				}
			}
		}
		if msg.IsFinal {
			s.finishTask(ctx)
			return true, nil
		}

	default:
		return false, s.unexpected(msg.Event)
	}
	return false, nil
}

// finishTask tells the provider we are done. Failure is irrelevant since all
// audio has been received.
func (s *Stream) finishTask(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.send(ctx, eventMessage{Event: eventTaskFinish}); err != nil {
		slog.Debug("minimax: send task_finish", "provider_session", s.sessionID, "err", err)
	}
}

func (s *Stream) unexpected(event string) error {
	return fmt.Errorf("%w: unexpected event %q in state %s", ErrProtocol, event, s.state)
}

func (s *Stream) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("minimax: encode: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%w (state %s): write: %w", ErrClosedBeforeFinal, s.state, err)
	}
	return nil
}

