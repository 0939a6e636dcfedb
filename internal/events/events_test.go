package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/voxbooth/pkg/protocol"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbedded("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestEvent_Subject(t *testing.T) {
	t.Parallel()

	ev := Event{Kind: KindCompleted}
	if got := ev.Subject("kiosk"); got != "kiosk.synthesis.completed" {
		t.Errorf("Subject = %q, want kiosk.synthesis.completed", got)
	}
	if got := ev.Subject(""); got != "voxbooth.synthesis.completed" {
		t.Errorf("Subject(\"\") = %q, want voxbooth.synthesis.completed", got)
	}
}

func TestNop(t *testing.T) {
	t.Parallel()

	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{Kind: KindStarted}); err != nil {
		t.Errorf("Publish = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	if _, err := sub.ChanSubscribe("test.synthesis.>", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub, err := Connect(srv.ClientURL(), "test")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()
	if !pub.Healthy() {
		t.Error("Healthy() = false after connect")
	}
	if err := pub.Check(context.Background()); err != nil {
		t.Errorf("Check = %v", err)
	}

	sent := Event{
		Kind:      KindFailed,
		SessionID: "s1",
		TaskID:    "t1",
		Error:     "boom",
		Stats:     &protocol.Stats{BytesSent: 42},
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := pub.Publish(context.Background(), sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "test.synthesis.failed" {
			t.Errorf("subject = %q, want test.synthesis.failed", msg.Subject)
		}
		var got Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.SessionID != "s1" || got.Error != "boom" || got.Stats == nil || got.Stats.BytesSent != 42 {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	pub, err := Connect(srv.ClientURL(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, Event{Kind: KindStarted}); err == nil {
		t.Error("Publish with cancelled context = nil, want error")
	}
}

func TestConnect_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := Connect("", "x"); err == nil {
		t.Error("expected error for empty URL")
	}
}
