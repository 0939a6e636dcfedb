// Command boothctl is a terminal client for a voxbooth server. It creates
// sessions, uploads voice samples and speaks typed lines through a local
// player with the same jitter buffer the kiosk uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MrWong99/voxbooth/pkg/transcode"
)

// defaultPlayer reads a stream from stdin and plays it without a window.
const defaultPlayer = "ffplay -nodisp -autoexit -loglevel error -i pipe:0"

const usage = `usage: boothctl [-server URL] [-v] <command> [flags]

commands:
  new                          create a session and print its id
  show   -session ID           print a session
  clone  -session ID FILE      upload FILE as the session's voice sample
  reply  -session ID [-speak] TEXT
                               ask for the assistant's next line
  talk   -session ID [-model M] [-speed S] [-player CMD]
                               speak every line typed on stdin
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("boothctl", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	server := fs.String("server", envOr("VOXBOOTH_SERVER", "http://localhost:8080"), "voxbooth server base URL")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	// talk handles interrupts itself to stop playback.
	sigs := []os.Signal{syscall.SIGTERM}
	if cmd != "talk" {
		sigs = append(sigs, os.Interrupt)
	}
	ctx, stop := signal.NotifyContext(context.Background(), sigs...)
	defer stop()

	c := newClient(*server)
	var err error
	switch cmd {
	case "new":
		err = cmdNew(ctx, c)
	case "show":
		err = cmdShow(ctx, c, rest)
	case "clone":
		err = cmdClone(ctx, c, rest)
	case "reply":
		err = cmdReply(ctx, c, rest)
	case "talk":
		err = cmdTalk(ctx, c, rest)
	default:
		fmt.Fprintf(os.Stderr, "boothctl: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "boothctl %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func cmdNew(ctx context.Context, c *client) error {
	s, err := c.createSession(ctx)
	if err != nil {
		return err
	}
	fmt.Println(s.ID)
	return nil
}

func cmdShow(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	id := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-session is required")
	}
	s, err := c.getSession(ctx, *id)
	if err != nil {
		return err
	}
	voice := s.VoiceID
	if voice == "" {
		voice = "(none)"
	}
	fmt.Printf("session %s\n  voice: %s\n  live:  %v\n", s.ID, voice, s.Live)
	return nil
}

func cmdClone(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("clone", flag.ContinueOnError)
	id := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || fs.NArg() != 1 {
		return errors.New("usage: clone -session ID FILE")
	}
	voiceID, err := c.cloneVoice(ctx, *id, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(voiceID)
	return nil
}

func cmdReply(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("reply", flag.ContinueOnError)
	id := fs.String("session", "", "session id")
	speak := fs.Bool("speak", false, "speak the reply on the session's live socket")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *id == "" || text == "" {
		return errors.New("usage: reply -session ID [-speak] TEXT")
	}
	reply, err := c.reply(ctx, *id, text, *speak)
	if reply != "" {
		fmt.Println(reply)
	}
	return err
}

func cmdTalk(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("talk", flag.ContinueOnError)
	id := fs.String("session", "", "session id")
	model := fs.String("model", "", "synthesis model override")
	speed := fs.Float64("speed", 0, "speech speed override (0.5 to 2.0)")
	player := fs.String("player", envOr("VOXBOOTH_PLAYER", defaultPlayer), "player command reading audio on stdin")
	bitrate := fs.Int("bitrate", 128000, "stream bitrate used to estimate buffered time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-session is required")
	}
	argv, err := transcode.ParseCommand(*player)
	if err != nil {
		return fmt.Errorf("-player: %w", err)
	}
	return talk(ctx, c, talkOptions{
		sessionID: *id,
		model:     *model,
		speed:     *speed,
		player:    argv,
		bitrate:   *bitrate,
	}, os.Stdin)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
