package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voxbooth/pkg/memory"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "voxbooth.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Sessions(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return clock }

	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("GetSession(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := s.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreateSession(ctx, "s1"); !errors.Is(err, memory.ErrDuplicateID) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateID", err)
	}

	clock = clock.Add(time.Hour)
	if err := s.SetVoice(ctx, "s1", "voxbooth01"); err != nil {
		t.Fatalf("SetVoice: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.VoiceID != "voxbooth01" {
		t.Errorf("VoiceID = %q, want voxbooth01", got.VoiceID)
	}
	if !got.UpdatedAt.Equal(clock) || !got.CreatedAt.Equal(clock.Add(-time.Hour)) {
		t.Errorf("times = %v / %v", got.CreatedAt, got.UpdatedAt)
	}
	if err := s.SetVoice(ctx, "missing", "v"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("SetVoice(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_Messages(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := range 5 {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		if err := s.AppendMessage(ctx, memory.Message{SessionID: "s1", Role: role, Content: fmt.Sprint(i)}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.RecentMessages(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	want := []string{"2", "3", "4"}
	if len(got) != len(want) {
		t.Fatalf("RecentMessages(3) len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Content != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i].Content, want[i])
		}
	}
	if got[1].Role != memory.RoleAssistant {
		t.Errorf("role = %q, want assistant", got[1].Role)
	}

	all, err := s.RecentMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("RecentMessages(0): %v", err)
	}
	if len(all) != 5 {
		t.Errorf("RecentMessages(0) len = %d, want 5", len(all))
	}

	err = s.AppendMessage(ctx, memory.Message{SessionID: "missing", Role: memory.RoleUser, Content: "x"})
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("AppendMessage(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxbooth.db")
	ctx := context.Background()
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateSession(ctx, "persisted"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_ = s.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetSession(ctx, "persisted"); err != nil {
		t.Errorf("GetSession after reopen: %v", err)
	}
}
