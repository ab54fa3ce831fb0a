package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.enabled() {
		t.Fatalf("ephemeral store should not hold a database")
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "channel-1", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.Timeline(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected a creation time")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "actor", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "actor", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.Timeline(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestRecordEncodesPayload(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session", Privacy: "internal"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.AppendSession(ctx, "sess-1", "general", "internal"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	payload := map[string]any{"from": "idle", "to": "generating"}
	if err := es.Record(ctx, "sess-1", "run-1", "general", TypeSessionState, payload); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := es.Timeline(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != TypeSessionState || events[0].RunID != "run-1" || events[0].ChannelID != "general" || events[0].Privacy != "internal" {
		t.Fatalf("unexpected events %+v", events)
	}
	var decoded map[string]string
	if err := json.Unmarshal(events[0].Payload, &decoded); err != nil || decoded["to"] != "generating" {
		t.Fatalf("unexpected payload %s", events[0].Payload)
	}
}

func TestRecordEphemeralIsNoop(t *testing.T) {
	es, err := Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := es.Record(context.Background(), "s", "r", "a", TypeRunCompleted, map[string]string{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := es.Timeline(context.Background(), "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v err=%v", events, err)
	}
}

func TestTimelineOrderAndLimit(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return base }
	if err := es.AppendSession(ctx, "sess-1", "general", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i, typ := range []string{TypeSessionEnabled, TypeSessionState, TypeRunCompleted} {
		evt := Event{SessionID: "sess-1", ChannelID: "general", Type: typ, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := es.Timeline(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 2 || events[0].Type != TypeSessionEnabled || events[1].Type != TypeSessionState {
		t.Fatalf("unexpected timeline %+v", events)
	}
	if !events[1].CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected timestamp %s", events[1].CreatedAt)
	}
}
