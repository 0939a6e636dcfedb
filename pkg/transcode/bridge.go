// Package transcode wraps an external transcoder process (ffmpeg by default)
// as a byte pipe: encoded audio goes in on stdin, re-encoded audio comes out
// on stdout.
//
// A [Bridge] adds no buffering of its own. [Bridge.Write] blocks while the
// process's stdin pipe is full, so a slow consumer of [Bridge.Output]
// throttles the producer all the way back to the network. Closing stdin with
// [Bridge.Finalize] lets the process flush its tail; [Bridge.Done] closes
// once the process has exited and every output chunk has been delivered.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-shellwords"
)

// DefaultCommand converts an MP3 elementary stream into Opus in a WebM
// container, flushing each packet so the client sees audio promptly.
const DefaultCommand = "ffmpeg -hide_banner -loglevel error -f mp3 -i pipe:0 -vn -c:a libopus -b:a 64k -f webm -flush_packets 1 pipe:1"

// readSize is the stdout read buffer size.
const readSize = 16 * 1024

// stderrTail is how many trailing bytes of stderr are kept for diagnostics.
const stderrTail = 4 * 1024

// ErrFinalized is returned by [Bridge.Write] after [Bridge.Finalize].
var ErrFinalized = errors.New("transcode: bridge input already finalized")

// ParseCommand splits a shell-style command line into argv.
func ParseCommand(command string) ([]string, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("transcode: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcode: command is empty")
	}
	return args, nil
}

// Stats is a snapshot of a Bridge's byte counters.
type Stats struct {
	// BytesIn counts bytes written to the process's stdin.
	BytesIn int64

	// BytesOut counts bytes read from the process's stdout.
	BytesOut int64
}

// Bridge is one running transcoder process.
type Bridge struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	out    chan []byte
	done   chan struct{}

	finalized    atomic.Bool
	finalizeOnce sync.Once
	finalizeErr  error

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	// err is written once before done is closed.
	err error
}

// Start launches argv and begins reading its output. Cancelling ctx kills
// the process; output read after cancellation is discarded.
func Start(ctx context.Context, argv []string) (*Bridge, error) {
	if len(argv) == 0 {
		return nil, errors.New("transcode: command is empty")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcode: start %q: %w", argv[0], err)
	}

	b := &Bridge{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: tail,
		out:    make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go b.readLoop(ctx)
	return b, nil
}

// Write sends p to the process. It blocks while the pipe is full.
// Zero-length writes are dropped and not counted.
func (b *Bridge) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.finalized.Load() {
		return ErrFinalized
	}
	n, err := b.stdin.Write(p)
	b.bytesIn.Add(int64(n))
	if err != nil {
		return fmt.Errorf("transcode: write: %w", err)
	}
	return nil
}

// Finalize closes the process's stdin. The process keeps running until it
// has flushed its output. Calling Finalize more than once is a no-op.
func (b *Bridge) Finalize() error {
	b.finalizeOnce.Do(func() {
		b.finalized.Store(true)
		if err := b.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			b.finalizeErr = fmt.Errorf("transcode: close stdin: %w", err)
		}
	})
	return b.finalizeErr
}

// Kill terminates the process immediately.
func (b *Bridge) Kill() {
	b.finalized.Store(true)
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

// Output returns the channel of stdout chunks. Every chunk is non-empty and
// owned by the receiver. The channel is closed at EOF.
func (b *Bridge) Output() <-chan []byte { return b.out }

// Done is closed exactly once, after the process has exited and the output
// channel has been closed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err returns the process exit error. It is only meaningful after Done is
// closed and is nil for a clean exit.
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Stats returns the current byte counters.
func (b *Bridge) Stats() Stats {
	return Stats{BytesIn: b.bytesIn.Load(), BytesOut: b.bytesOut.Load()}
}

// Stderr returns the trailing bytes the process wrote to stderr.
func (b *Bridge) Stderr() string { return b.stderr.String() }

func (b *Bridge) readLoop(ctx context.Context) {
	buf := make([]byte, readSize)
	for {
		n, err := b.stdout.Read(buf)
		if n > 0 {
			b.bytesOut.Add(int64(n))
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case b.out <- chunk:
			case <-ctx.Done():
			}
		}
		if err != nil {
			break
		}
	}
	close(b.out)

	// Stdout must be fully read before Wait.
	werr := b.cmd.Wait()
	if werr != nil {
		b.err = fmt.Errorf("transcode: %s exited: %w", b.cmd.Path, werr)
	}
	close(b.done)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
