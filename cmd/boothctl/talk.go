package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbooth/pkg/playback"
	"github.com/MrWong99/voxbooth/pkg/protocol"
)

// maxFrame bounds a single server frame. Audio fragments are far smaller.
const maxFrame = 4 << 20

type talkOptions struct {
	sessionID string
	model     string
	speed     float64
	player    []string
	bitrate   int
}

// talk attaches to the session's socket and speaks every line read from in.
// Audio is played through a jitter-buffered player process. An interrupt
// while audio plays stops playback; an interrupt while idle exits.
func talk(ctx context.Context, c *client, opts talkOptions, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pcfg, err := c.playbackConfig(ctx)
	if err != nil {
		slog.Warn("using built-in playback thresholds", "err", err)
	}

	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrame)

	sink := playback.NewPipeSink(opts.player, opts.bitrate)
	defer sink.Close()
	ctrl := playback.NewController(sink, pcfg)

	hello := protocol.ClientMessage{Type: protocol.TypeInit, SessionID: opts.sessionID, Model: opts.model}
	if opts.speed > 0 {
		hello.Speed = &opts.speed
	}
	if err := writeJSON(ctx, conn, hello); err != nil {
		return err
	}

	// idle is signalled whenever a request ends, so the prompt can return.
	idle := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctrl.Run(gctx)
		return nil
	})
	g.Go(func() error {
		for ev := range ctrl.Events() {
			switch ev.Kind {
			case playback.EventStarted:
				slog.Debug("playback started", "container", ev.Container)
			case playback.EventRecovered:
				slog.Warn("playback recovered from a rejected append")
			case playback.EventError:
				slog.Error("playback failed", "err", ev.Err)
			}
		}
		return nil
	})
	g.Go(func() error {
		return readLoop(gctx, conn, ctrl, idle)
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sigs:
				switch ctrl.Snapshot().State {
				case playback.StateIdle, playback.StateStopped:
					cancel()
					return nil
				default:
					fmt.Fprintln(os.Stderr, "stopped")
					ctrl.Stop()
				}
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		return promptLoop(gctx, conn, ctrl, in, idle)
	})

	err = g.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop dispatches server frames: binary frames feed the controller, text
// frames carry status messages.
func readLoop(ctx context.Context, conn *websocket.Conn, ctrl *playback.Controller, idle chan<- struct{}) error {
	signalIdle := func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == 4000 {
				return errors.New("session was opened elsewhere")
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ == websocket.MessageBinary {
			ctrl.Feed(data)
			continue
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("ignoring malformed server message", "err", err)
			continue
		}
		switch msg.Type {
		case protocol.TypeReady:
			fmt.Fprintf(os.Stderr, "ready (voice %s)\n", msg.VoiceID)
			signalIdle()
		case protocol.TypePending:
			fmt.Fprintf(os.Stderr, "waiting: %s\n", msg.Message)
			signalIdle()
		case protocol.TypeStats:
			if s := msg.Stats; s != nil {
				slog.Info("synthesis stats",
					"fragments", s.Fragments,
					"bytes_sent", s.BytesSent,
					"bytes_dropped", s.BytesDropped,
					"duration_ms", s.DurationMs,
				)
			}
		case protocol.TypeTaskComplete:
			ctrl.EndOfStream()
			signalIdle()
		case protocol.TypeError:
			fmt.Fprintf(os.Stderr, "error: %s\n", msg.Message)
			ctrl.EndOfStream()
			signalIdle()
		}
	}
}

// promptLoop sends one speak request per non-empty input line and waits for
// it to finish before reading the next.
func promptLoop(ctx context.Context, conn *websocket.Conn, ctrl *playback.Controller, in io.Reader, idle <-chan struct{}) error {
	// Wait for ready or pending before prompting.
	select {
	case <-ctx.Done():
		return nil
	case <-idle:
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(os.Stderr, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				waitPlayed(ctx, ctrl)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		// Let the previous line finish playing before starting the next.
		waitPlayed(ctx, ctrl)
		ctrl.Begin()
		if err := writeJSON(ctx, conn, protocol.ClientMessage{Type: protocol.TypeSpeak, Text: line}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
		}
	}
}

// waitPlayed blocks until the controller has no request in flight.
func waitPlayed(ctx context.Context, ctrl *playback.Controller) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		switch ctrl.Snapshot().State {
		case playback.StateIdle, playback.StateStopped:
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
