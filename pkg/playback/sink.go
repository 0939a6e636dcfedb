package playback

import (
	"context"
	"time"
)

// Sink is an append-only media buffer with a playhead, modelled on a
// browser MediaSource SourceBuffer attached to an audio element.
//
// The [Controller] never issues two Appends at once, but it reads
// [Sink.BufferedEnd] and [Sink.Position] while an Append is running, so
// implementations must be safe for concurrent use.
type Sink interface {
	// Open prepares the sink for a stream in the given container. It returns
	// an error if the container's MIME type is not supported.
	Open(c Container) error

	// Append adds encoded media to the end of the buffer. It blocks until the
	// sink has accepted or rejected the bytes.
	Append(ctx context.Context, p []byte) error

	// BufferedEnd returns the media time of the end of the buffered range.
	BufferedEnd() time.Duration

	// Position returns the current playhead.
	Position() time.Duration

	// Play starts or resumes playback.
	Play() error

	// Pause halts playback and keeps the buffer.
	Pause()

	// Remove drops buffered media in [from, to).
	Remove(from, to time.Duration) error

	// EndOfStream marks the buffer as complete. No Append may follow.
	EndOfStream() error
}
