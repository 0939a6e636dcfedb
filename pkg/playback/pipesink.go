package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrRemoveUnsupported is returned by [PipeSink.Remove]: bytes already
// written to a player process cannot be taken back.
var ErrRemoveUnsupported = errors.New("playback: pipe sink cannot remove buffered media")

// PipeSink is a [Sink] that pipes the stream into an external player process
// such as ffplay. Appends made before [PipeSink.Play] are held in memory so
// that the player only starts once the jitter buffer reached its goal.
//
// A pipe has no seekable timeline, so buffered time is estimated from the
// stream bitrate and the playhead from the wall clock since Play.
type PipeSink struct {
	argv           []string
	bytesPerSecond int

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	held     [][]byte
	written  int64
	playing  bool
	playedAt time.Time
}

// NewPipeSink returns a sink that runs argv once per stream. bitrate is the
// encoded bitrate in bits per second used to convert bytes to media time.
func NewPipeSink(argv []string, bitrate int) *PipeSink {
	if bitrate <= 0 {
		bitrate = 128000
	}
	return &PipeSink{argv: argv, bytesPerSecond: bitrate / 8}
}

// Open implements [Sink]. It starts a fresh player process.
func (s *PipeSink) Open(c Container) error {
	if c.MIMEType() == "" {
		return fmt.Errorf("%w: %s", ErrUnsupportedContainer, c)
	}
	if len(s.argv) == 0 {
		return errors.New("playback: pipe sink has no player command")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("playback: player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("playback: start player %q: %w", s.argv[0], err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.held = nil
	s.written = 0
	s.playing = false
	return nil
}

// Append implements [Sink].
func (s *PipeSink) Append(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.stdin == nil {
		s.mu.Unlock()
		return errors.New("playback: pipe sink is not open")
	}
	if !s.playing {
		s.held = append(s.held, p)
		s.written += int64(len(p))
		s.mu.Unlock()
		return nil
	}
	w := s.stdin
	s.written += int64(len(p))
	s.mu.Unlock()

	// The write blocks while the player's pipe is full, which paces the
	// controller to real time.
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("playback: write to player: %w", err)
	}
	return nil
}

// BufferedEnd implements [Sink].
func (s *PipeSink) BufferedEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesToDuration(s.written)
}

// Position implements [Sink].
func (s *PipeSink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return 0
	}
	return min(time.Since(s.playedAt), s.bytesToDuration(s.written))
}

// Play implements [Sink]. It releases held bytes to the player.
func (s *PipeSink) Play() error {
	s.mu.Lock()
	if s.stdin == nil {
		s.mu.Unlock()
		return errors.New("playback: pipe sink is not open")
	}
	if s.playing {
		s.mu.Unlock()
		return nil
	}
	held, w := s.held, s.stdin
	s.held = nil
	s.playing = true
	s.playedAt = time.Now()
	s.mu.Unlock()

	for _, p := range held {
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("playback: write to player: %w", err)
		}
	}
	return nil
}

// Pause implements [Sink]. A pipe cannot be paused, so the player is
// terminated and its buffered audio discarded.
func (s *PipeSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
}

// Remove implements [Sink]. It always fails with [ErrRemoveUnsupported].
func (s *PipeSink) Remove(from, to time.Duration) error {
	return ErrRemoveUnsupported
}

// EndOfStream implements [Sink]. It closes the player's stdin so it exits
// after playing the tail.
func (s *PipeSink) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	err := s.stdin.Close()
	s.stdin = nil
	if s.cmd != nil {
		cmd := s.cmd
		s.cmd = nil
		go cmd.Wait() //nolint:errcheck
	}
	return err
}

// Close terminates any running player.
func (s *PipeSink) Close() error {
	s.Pause()
	return nil
}

func (s *PipeSink) killLocked() {
	s.playing = false
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.held = nil
	s.written = 0
}

func (s *PipeSink) bytesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.bytesPerSecond)
}
