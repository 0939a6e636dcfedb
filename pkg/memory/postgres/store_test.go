package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxbooth/pkg/memory"
	"github.com/MrWong99/voxbooth/pkg/memory/postgres"
)

// testDSN returns the test database DSN or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXBOOTH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXBOOTH_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS kiosk_messages CASCADE",
		"DROP TABLE IF EXISTS kiosk_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Sessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("GetSession(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := store.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.CreateSession(ctx, "s1"); !errors.Is(err, memory.ErrDuplicateID) {
		t.Fatalf("duplicate CreateSession err = %v, want ErrDuplicateID", err)
	}
	if err := store.SetVoice(ctx, "s1", "voxbooth01"); err != nil {
		t.Fatalf("SetVoice: %v", err)
	}
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.VoiceID != "voxbooth01" {
		t.Errorf("VoiceID = %q, want voxbooth01", got.VoiceID)
	}
	if err := store.SetVoice(ctx, "missing", "v"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("SetVoice(missing) err = %v, want ErrNotFound", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestStore_Messages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := range 4 {
		msg := memory.Message{SessionID: "s1", Role: memory.RoleUser, Content: fmt.Sprint(i)}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := store.RecentMessages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 2 || got[0].Content != "2" || got[1].Content != "3" {
		t.Errorf("RecentMessages(2) = %+v, want [2 3]", got)
	}
	all, err := store.RecentMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("RecentMessages(0): %v", err)
	}
	if len(all) != 4 {
		t.Errorf("RecentMessages(0) len = %d, want 4", len(all))
	}

	err = store.AppendMessage(ctx, memory.Message{SessionID: "missing", Role: memory.RoleUser, Content: "x"})
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("AppendMessage(missing) err = %v, want ErrNotFound", err)
	}
}
