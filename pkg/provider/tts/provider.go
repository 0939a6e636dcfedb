// Package tts defines the streaming synthesis contract used by the session
// layer.
//
// A [Streamer] turns one [Request] into one [Stream]. The stream delivers
// compressed audio fragments in arrival order on [Stream.Audio] and closes
// the channel exactly once when synthesis ends, successfully or not.
// [Stream.Err] then reports the outcome.
//
// There is one production implementation (package minimax); the interface
// exists so the session layer can be exercised against a mock.
package tts

import "context"

// Request is one synthesis request. It is immutable once issued.
type Request struct {
	// Text is the literal text to synthesise. Must be non-empty.
	Text string

	// VoiceID is the provider voice identifier, usually a cloned voice.
	VoiceID string

	// Model is the provider model ID. Empty selects the provider default.
	Model string

	// Speed is the speaking rate factor. Zero selects 1.0.
	Speed float64
}

// Stream is one in-flight synthesis.
type Stream interface {
	// Audio yields non-empty audio fragments in arrival order. The channel
	// is closed when the stream terminates.
	Audio() <-chan []byte

	// Err returns nil if the provider delivered its final fragment. It is
	// only meaningful after Audio is closed.
	Err() error

	// Close aborts the stream and releases its socket. It blocks until the
	// Audio channel is closed and is safe to call more than once.
	Close() error
}

// Streamer opens synthesis streams.
//
// Implementations must be safe for concurrent use.
type Streamer interface {
	// Stream starts synthesising req. A non-nil error means no audio will be
	// produced; errors after the stream has started are reported through
	// [Stream.Err]. Cancelling ctx terminates the stream.
	Stream(ctx context.Context, req Request) (Stream, error)
}
