// Package mock provides a scripted test double for [tts.Streamer].
//
// Example:
//
//	s := &mock.Streamer{Chunks: [][]byte{[]byte("a"), []byte("b")}}
//	st, _ := s.Stream(ctx, tts.Request{Text: "hi", VoiceID: "v"})
//	for b := range st.Audio() { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbooth/pkg/audio"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
)

// Streamer is a mock implementation of [tts.Streamer]. Every stream it
// opens plays the same script.
type Streamer struct {
	mu sync.Mutex

	// Chunks are emitted in order on every stream.
	Chunks [][]byte

	// Hold, if non-nil, is received from after the chunks have been emitted
	// and before the stream ends. Close it to let streams finish.
	Hold <-chan struct{}

	// FinalErr, if non-nil, is reported by Err instead of success.
	FinalErr error

	// StreamErr, if non-nil, is returned by Stream and no stream is opened.
	StreamErr error

	// Requests records every request passed to Stream.
	Requests []tts.Request
}

var _ tts.Streamer = (*Streamer)(nil)

// Stream records req and starts the scripted stream.
func (m *Streamer) Stream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	chunks := m.Chunks
	hold := m.Hold
	finalErr := m.FinalErr
	startErr := m.StreamErr
	m.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	ctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{audio: make(chan []byte), cancel: cancel}
	go s.play(ctx, chunks, hold, finalErr)
	return s, nil
}

// Calls returns a copy of the recorded requests.
func (m *Streamer) Calls() []tts.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tts.Request(nil), m.Requests...)
}

// Stream is the [tts.Stream] returned by [Streamer.Stream].
type Stream struct {
	audio  chan []byte
	cancel context.CancelCauseFunc

	mu  sync.Mutex
	err error
}

func (s *Stream) play(ctx context.Context, chunks [][]byte, hold <-chan struct{}, finalErr error) {
	defer close(s.audio)
	for _, c := range chunks {
		select {
		case s.audio <- append([]byte(nil), c...):
		case <-ctx.Done():
			s.setErr(context.Cause(ctx))
			return
		}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			s.setErr(context.Cause(ctx))
			return
		}
	}
	s.setErr(finalErr)
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Audio implements [tts.Stream].
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Err implements [tts.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [tts.Stream].
func (s *Stream) Close() error {
	s.cancel(context.Canceled)
	audio.Drain(s.audio)
	return nil
}
