package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentgw/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agentgw.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{"schema_migrations", "channels", "chats", "messages", "agent_runs", "events", "kv", "audit_log"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var version int
	var checksum string
	if err := db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agentgw.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	_, dbPath := openTestStore(t)
	store2, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
}

func TestStore_ChannelUpsertAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertChannel(ctx, "telegram", "telegram", "online"); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	if err := store.UpsertChannel(ctx, "webchat", "webchat", "online"); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}

	channels, err := store.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(channels))
	}

	if err := store.SetChannelStatus(ctx, "telegram", "offline"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	channels, err = store.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	for _, c := range channels {
		if c.ID == "telegram" && c.Status != "offline" {
			t.Fatalf("expected telegram offline, got %s", c.Status)
		}
	}
}

func TestStore_UpsertChannelIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertChannel(ctx, "telegram", "telegram", "online"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertChannel(ctx, "telegram", "telegram", "offline"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	channels, err := store.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected a single row after re-upsert, got %d", len(channels))
	}
	if channels[0].Status != "offline" {
		t.Fatalf("expected latest status to win, got %s", channels[0].Status)
	}
}

func TestStore_EnsureChatAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureChat(ctx, "chat-1", "webchat", "support"); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	// EnsureChat must be idempotent: a second call for the same ID is a no-op.
	if err := store.EnsureChat(ctx, "chat-1", "webchat", "support"); err != nil {
		t.Fatalf("ensure chat (again): %v", err)
	}

	chats, err := store.ListChats(ctx, "")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(chats))
	}

	chats, err = store.ListChats(ctx, "webchat")
	if err != nil {
		t.Fatalf("list chats by channel: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != "chat-1" {
		t.Fatalf("expected chat-1 filtered by channel, got %v", chats)
	}

	chats, err = store.ListChats(ctx, "telegram")
	if err != nil {
		t.Fatalf("list chats by unrelated channel: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("expected 0 chats for unrelated channel, got %d", len(chats))
	}
}

func TestStore_AppendAndListMessages(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureChat(ctx, "chat-1", "webchat", ""); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	if _, err := store.AppendMessage(ctx, "chat-1", persistence.DirectionInbound, "user-1", "hello"); err != nil {
		t.Fatalf("append inbound: %v", err)
	}
	if _, err := store.AppendMessage(ctx, "chat-1", persistence.DirectionOutbound, "", "hi there"); err != nil {
		t.Fatalf("append outbound: %v", err)
	}

	msgs, err := store.ListMessages(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[0].Direction != persistence.DirectionInbound {
		t.Fatalf("expected first message to be the inbound hello, got %+v", msgs[0])
	}
	if msgs[1].Text != "hi there" || msgs[1].Direction != persistence.DirectionOutbound {
		t.Fatalf("expected second message to be the outbound reply, got %+v", msgs[1])
	}
}

func TestStore_ListMessagesOrdersOldestFirstAndRespectsLimit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureChat(ctx, "chat-1", "webchat", ""); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := store.AppendMessage(ctx, "chat-1", persistence.DirectionInbound, "user", "msg"); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	msgs, err := store.ListMessages(ctx, "chat-1", 5)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages (limit), got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID < msgs[i-1].ID {
			t.Fatalf("expected ascending IDs, got %v then %v", msgs[i-1].ID, msgs[i].ID)
		}
	}
}

func TestStore_ListMessagesClampsOversizedLimit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnsureChat(ctx, "chat-1", "webchat", ""); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	if _, err := store.AppendMessage(ctx, "chat-1", persistence.DirectionInbound, "user", "hi"); err != nil {
		t.Fatalf("append message: %v", err)
	}
	// A limit above the 500 contract cap must not error; it just clamps.
	msgs, err := store.ListMessages(ctx, "chat-1", 10000)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureChat(ctx, "chat-1", "webchat", ""); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	run := persistence.AgentRun{
		RunID: "run-1", ChatID: "chat-1", ChannelID: "webchat",
		RequestedBy: "user-1", MaxSteps: 10, Deadline: time.Now().Add(time.Minute),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "pending" {
		t.Fatalf("expected pending status, got %s", got.Status)
	}
	if got.Step != 0 {
		t.Fatalf("expected step 0, got %d", got.Step)
	}

	if err := store.SetRunStep(ctx, "run-1", 3); err != nil {
		t.Fatalf("set run step: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Step != 3 {
		t.Fatalf("expected step 3, got %d", got.Step)
	}
	if got.Status != "planning" {
		t.Fatalf("expected status to move to planning, got %s", got.Status)
	}

	if err := store.FinalizeRun(ctx, "run-1", "completed", "done", "", ""); err != nil {
		t.Fatalf("finalize run: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "completed" || got.OutputText != "done" {
		t.Fatalf("expected completed/done, got %+v", got)
	}
	if got.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
}

func TestStore_SetRunStepDoesNotRegressTerminalStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnsureChat(ctx, "chat-1", "webchat", ""); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	if err := store.CreateRun(ctx, persistence.AgentRun{RunID: "run-1", ChatID: "chat-1", ChannelID: "webchat", MaxSteps: 10, Deadline: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.FinalizeRun(ctx, "run-1", "completed", "ok", "", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := store.SetRunStep(ctx, "run-1", 7); err != nil {
		t.Fatalf("set run step: %v", err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("expected status to stay completed, got %s", got.Status)
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetRun(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestStore_EventAppendAndReplay(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendEvent(ctx, 1, "run.progress", time.Now(), "run-1", "webchat", map[string]any{"step": 1}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := store.AppendEvent(ctx, 2, "run.output", time.Now(), "run-1", "webchat", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := store.AppendEvent(ctx, 3, "run.progress", time.Now(), "run-2", "webchat", map[string]any{"step": 1}); err != nil {
		t.Fatalf("append event for other run: %v", err)
	}

	events, err := store.ListEventsAfter(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for run-1, got %d", len(events))
	}

	events, err = store.ListEventsAfter(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("list events after seq 1: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("expected only seq 2, got %v", events)
	}
}

func TestStore_AppendEventIsIdempotentOnDuplicateSeq(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.AppendEvent(ctx, 1, "run.progress", time.Now(), "run-1", "webchat", map[string]any{"step": 1}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := store.AppendEvent(ctx, 1, "run.progress", time.Now(), "run-1", "webchat", map[string]any{"step": 2}); err != nil {
		t.Fatalf("append duplicate seq: %v", err)
	}
	events, err := store.ListEventsAfter(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected duplicate seq to be a no-op, got %d rows", len(events))
	}
}

func TestStore_CountRunsByStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnsureChat(ctx, "chat-1", "webchat", ""); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	for i, status := range []string{"pending", "pending", "completed", "failed"} {
		runID := "run-" + string(rune('a'+i))
		if err := store.CreateRun(ctx, persistence.AgentRun{RunID: runID, ChatID: "chat-1", ChannelID: "webchat", MaxSteps: 10, Deadline: time.Now().Add(time.Minute)}); err != nil {
			t.Fatalf("create run: %v", err)
		}
		if status != "pending" {
			if err := store.FinalizeRun(ctx, runID, status, "", "", ""); err != nil {
				t.Fatalf("finalize run: %v", err)
			}
		}
	}

	counts, err := store.CountRunsByStatus(ctx, "pending", "completed", "failed", "canceled")
	if err != nil {
		t.Fatalf("count runs by status: %v", err)
	}
	want := []int64{2, 1, 1, 0}
	for i, w := range want {
		if counts[i] != w {
			t.Fatalf("counts[%d] = %d, want %d (%v)", i, counts[i], w, counts)
		}
	}
}

func TestStore_TotalEventCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	n, err := store.TotalEventCount(ctx)
	if err != nil {
		t.Fatalf("total event count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 events in a fresh store, got %d", n)
	}
	if err := store.AppendEvent(ctx, 1, "run.progress", time.Now(), "run-1", "webchat", map[string]any{}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	n, err = store.TotalEventCount(ctx)
	if err != nil {
		t.Fatalf("total event count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestStore_KVGetSet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	val, err := store.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing key: %v", err)
	}
	if val != nil {
		t.Fatalf("expected nil for missing key, got %v", val)
	}

	if err := store.Set(ctx, "breaker:anthropic", []byte("open")); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, err = store.Get(ctx, "breaker:anthropic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "open" {
		t.Fatalf("expected 'open', got %q", val)
	}

	if err := store.Set(ctx, "breaker:anthropic", []byte("closed")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	val, err = store.Get(ctx, "breaker:anthropic")
	if err != nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	if string(val) != "closed" {
		t.Fatalf("expected overwritten value 'closed', got %q", val)
	}
}

func TestStore_RunRetentionPurgesOldRowsOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureChat(ctx, "chat-1", "webchat", ""); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	if _, err := store.AppendMessage(ctx, "chat-1", persistence.DirectionInbound, "user", "recent"); err != nil {
		t.Fatalf("append recent message: %v", err)
	}
	old := time.Now().Add(-100 * 24 * time.Hour)
	if _, err := store.DB().ExecContext(ctx, `INSERT INTO messages(chat_id, direction, sender_id, text, ts) VALUES (?, ?, ?, ?, ?);`,
		"chat-1", persistence.DirectionInbound, "user", "ancient", old); err != nil {
		t.Fatalf("insert ancient message: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `INSERT INTO events(seq, type, ts, run_id, channel_id, payload) VALUES (?, ?, ?, ?, ?, ?);`,
		1, "run.progress", old, "run-1", "webchat", "{}"); err != nil {
		t.Fatalf("insert ancient event: %v", err)
	}

	result, err := store.RunRetention(ctx, 90, 90, 365)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedMessages != 1 {
		t.Fatalf("expected 1 purged message, got %d", result.PurgedMessages)
	}
	if result.PurgedEvents != 1 {
		t.Fatalf("expected 1 purged event, got %d", result.PurgedEvents)
	}

	msgs, err := store.ListMessages(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "recent" {
		t.Fatalf("expected only the recent message to survive, got %v", msgs)
	}
}

func TestStore_RunRetentionIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	result, err := store.RunRetention(ctx, 90, 90, 365)
	if err != nil {
		t.Fatalf("run retention on empty store: %v", err)
	}
	if result.PurgedEvents != 0 || result.PurgedMessages != 0 || result.PurgedAuditLog != 0 {
		t.Fatalf("expected no-op on empty store, got %+v", result)
	}
}
