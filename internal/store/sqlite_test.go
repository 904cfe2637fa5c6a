package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/config"
)

func openTestSQLite(t *testing.T, cfg config.StoreConfig) *SQLite {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "coach.db")
	s, err := OpenSQLite(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteKV(t *testing.T) {
	s := openTestSQLite(t, config.StoreConfig{})
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, HistoryKey); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, HistoryKey, []byte("[]")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, HistoryKey, []byte(`[{"id":"x"}]`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := s.Get(ctx, HistoryKey)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(value) != `[{"id":"x"}]` {
		t.Fatalf("unexpected value %s", value)
	}
}

func TestAppendAndQuery(t *testing.T) {
	s := openTestSQLite(t, config.StoreConfig{})
	ctx := context.Background()

	sessionID := "session-123"
	if err := s.AppendEvent(ctx, Event{SessionID: sessionID, Type: "session.started", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: sessionID, Type: "turn.completed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "other", Type: "session.started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := s.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "session.started" || string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != "turn.completed" {
		t.Fatalf("unexpected order: %+v", events)
	}
}

func TestPruneByDays(t *testing.T) {
	s := openTestSQLite(t, config.StoreConfig{RetentionDays: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := s.Put(ctx, ResourcesKey, []byte("[]")); err != nil {
		t.Fatalf("put: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendEvent(ctx, Event{SessionID: "new-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	events, err = s.ListSessionEvents(ctx, "new-session", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected new session kept, got %d (%v)", len(events), err)
	}
	if _, ok, _ := s.Get(ctx, ResourcesKey); !ok {
		t.Fatal("kv rows must survive pruning")
	}
}
