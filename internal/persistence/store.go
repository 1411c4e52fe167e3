// Package persistence is Gateway Core's sole storage layer: SQLite-backed
// tables for channels, chats, messages, agent runs and the append-only
// event log, plus a small key/value table circuit breakers and other
// ambient state persist through.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "agentgw-v1-control-kernel-schema"
)

// Channel is a connected channel adapter's current view.
type Channel struct {
	ID       string
	Kind     string
	Status   string
	LastSeen time.Time
}

// Chat is one conversation thread within a channel.
type Chat struct {
	ID        string
	ChannelID string
	Title     string
	CreatedAt time.Time
}

// Direction of a Message relative to the gateway.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is one immutable chat message.
type Message struct {
	ID        int64
	ChatID    string
	Direction string
	SenderID  string
	Text      string
	Ts        time.Time
}

// AgentRun is one agent_runs row.
type AgentRun struct {
	RunID       string
	ChatID      string
	ChannelID   string
	RequestedBy string
	Status      string
	Step        int
	MaxSteps    int
	Deadline    time.Time
	OutputText  string
	ErrorKind   string
	ErrorMsg    string
	CreatedAt   time.Time
	EndedAt     *time.Time
}

// StoredEvent is one row of the append-only events table, as returned by
// the replay path for runs.tail.
type StoredEvent struct {
	Seq       uint64
	Type      string
	Ts        time.Time
	RunID     string
	ChannelID string
	Payload   json.RawMessage
}

// Store is the gateway's single SQLite-backed persistence handle. It is
// the sole writer of channels, chats, messages, agent_runs and events;
// every other package reaches persisted state only through Gateway Core.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default data file location under the user's
// home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentgw", "agentgw.db")
}

// Open opens (creating if necessary) the SQLite database at path and
// brings its schema up to date. An empty path uses DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for callers (tests, doctor checks) that
// need a direct connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL REFERENCES chats(id),
			direction TEXT NOT NULL CHECK(direction IN ('inbound','outbound')),
			sender_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			run_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id),
			channel_id TEXT NOT NULL,
			requested_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			step INTEGER NOT NULL DEFAULT 0,
			max_steps INTEGER NOT NULL DEFAULT 20,
			deadline DATETIME,
			output_text TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			ts DATETIME NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			policy_version TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_channel ON chats(channel_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter, bailing out once ctx ends.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// UpsertChannel creates or updates a channel's kind/status/last_seen.
func (s *Store) UpsertChannel(ctx context.Context, id, kind, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channels(id, kind, status, last_seen) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, status = excluded.status, last_seen = CURRENT_TIMESTAMP;
		`, id, kind, status)
		return err
	})
}

// SetChannelStatus updates only a channel's status and last_seen.
func (s *Store) SetChannelStatus(ctx context.Context, id, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE channels SET status = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?;`, status, id)
		return err
	})
}

// ListChannels returns every known channel.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, status, last_seen FROM channels ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		var lastSeen sql.NullTime
		if err := rows.Scan(&c.ID, &c.Kind, &c.Status, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			c.LastSeen = lastSeen.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnsureChat creates chatID under channelID if it does not already exist.
func (s *Store) EnsureChat(ctx context.Context, chatID, channelID, title string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats(id, channel_id, title) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, chatID, channelID, title)
		return err
	})
}

// ListChats returns every chat, or only those under channelID when it is
// non-empty.
func (s *Store) ListChats(ctx context.Context, channelID string) ([]Chat, error) {
	query := `SELECT id, channel_id, title, created_at FROM chats`
	args := []any{}
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage inserts an immutable message and returns it with its
// assigned ID and timestamp.
func (s *Store) AppendMessage(ctx context.Context, chatID, direction, senderID, text string) (Message, error) {
	msg := Message{ChatID: chatID, Direction: direction, SenderID: senderID, Text: text, Ts: time.Now()}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages(chat_id, direction, sender_id, text, ts) VALUES (?, ?, ?, ?, ?);
		`, chatID, direction, senderID, text, msg.Ts)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		msg.ID = id
		return nil
	})
	return msg, err
}

// ListMessages returns up to limit of chatID's most recent messages,
// oldest first (newest-last), capped at 500 per the control plane's
// chat.messages contract.
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, direction, sender_id, text, ts FROM (
			SELECT id, chat_id, direction, sender_id, text, ts
			FROM messages WHERE chat_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Direction, &m.SenderID, &m.Text, &m.Ts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateRun persists a new run in status "pending".
func (s *Store) CreateRun(ctx context.Context, run AgentRun) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_runs(run_id, chat_id, channel_id, requested_by, status, step, max_steps, deadline, created_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, CURRENT_TIMESTAMP);
		`, run.RunID, run.ChatID, run.ChannelID, run.RequestedBy, run.MaxSteps, run.Deadline)
		return err
	})
}

// SetRunStep records the orchestrator's current step and, once a run
// leaves "pending", marks it "planning" (the run stays "planning" until
// finalized; the richer tool_exec/awaiting_approval states are
// observability-only and derived from events rather than stored here).
func (s *Store) SetRunStep(ctx context.Context, runID string, step int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs SET step = ?, status = CASE WHEN status = 'pending' THEN 'planning' ELSE status END
			WHERE run_id = ?;
		`, step, runID)
		return err
	})
}

// FinalizeRun sets a run's terminal status, output and error fields and
// stamps ended_at.
func (s *Store) FinalizeRun(ctx context.Context, runID, status, outputText, errorKind, errorMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs SET status = ?, output_text = ?, error_kind = ?, error_message = ?, ended_at = CURRENT_TIMESTAMP
			WHERE run_id = ?;
		`, status, outputText, errorKind, errorMsg, runID)
		return err
	})
}

// GetRun loads a single run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*AgentRun, error) {
	var r AgentRun
	var deadline sql.NullTime
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, chat_id, channel_id, requested_by, status, step, max_steps, deadline, output_text, error_kind, error_message, created_at, ended_at
		FROM agent_runs WHERE run_id = ?;
	`, runID).Scan(&r.RunID, &r.ChatID, &r.ChannelID, &r.RequestedBy, &r.Status, &r.Step, &r.MaxSteps, &deadline,
		&r.OutputText, &r.ErrorKind, &r.ErrorMsg, &r.CreatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		r.Deadline = deadline.Time
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return &r, nil
}

// AppendEvent persists one bus event for replay. seq must already be
// assigned by the bus; this is the durable side of the event log, not the
// ordering authority (the bus is).
func (s *Store) AppendEvent(ctx context.Context, seq uint64, eventType string, ts time.Time, runID, channelID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events(seq, type, ts, run_id, channel_id, payload) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(seq) DO NOTHING;
		`, seq, eventType, ts, runID, channelID, string(data))
		return err
	})
}

// ListEventsAfter returns runID's events with seq > afterSeq, the replay
// half of the runs.tail latch-join (see internal/orchestrator and the
// control plane server for the live half).
func (s *Store) ListEventsAfter(ctx context.Context, runID string, afterSeq uint64) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, ts, run_id, channel_id, payload FROM events
		WHERE run_id = ? AND seq > ? ORDER BY seq ASC;
	`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var payload string
		if err := rows.Scan(&e.Seq, &e.Type, &e.Ts, &e.RunID, &e.ChannelID, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountRunsByStatus returns the number of agent_runs rows in each of the
// given statuses, in the same order, for /metrics gauges.
func (s *Store) CountRunsByStatus(ctx context.Context, statuses ...string) ([]int64, error) {
	out := make([]int64, len(statuses))
	for i, status := range statuses {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_runs WHERE status = ?;`, status).Scan(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TotalEventCount returns the total number of rows in the events table, used
// as a rough replay-backlog gauge.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&n)
	return n, err
}

// Get implements llm.KVStore: read a small opaque value (e.g. circuit
// breaker state) by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

// Set implements llm.KVStore: persist a small opaque value by key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv(key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value;
		`, key, value)
		return err
	})
}
