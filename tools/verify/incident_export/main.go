// Command incident_export builds a redacted incident bundle for a chat:
// its message history, its run events, a tail of the system log, and a
// hash of the active config, all in one JSON file an operator can attach
// to a postmortem without touching the live database directly.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentgw/internal/persistence"
)

const (
	maxEvents = 64
	maxLogs   = 32
)

type bundle struct {
	ChatID      string                `json:"chat_id"`
	ExportedAt  time.Time             `json:"exported_at"`
	ConfigHash  string                `json:"config_hash"`
	EventCount  int                   `json:"event_count"`
	LogCount    int                   `json:"log_count"`
	Messages    []persistence.Message     `json:"messages"`
	Events      []persistence.StoredEvent `json:"events"`
	RedactedLog []string              `json:"redacted_logs"`
}

func main() {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "agentgw-incident-export-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Printf("mkdir_logs_error=%v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(home, "config.yaml")
	cfgBody := []byte("bind_addr: \"127.0.0.1:18789\"\nlog_level: \"info\"\n")
	if err := os.WriteFile(cfgPath, cfgBody, 0o644); err != nil {
		fmt.Printf("write_config_error=%v\n", err)
		os.Exit(1)
	}
	logPath := filepath.Join(logDir, "system.jsonl")
	logLines := []string{
		`{"timestamp":"2026-02-11T00:00:00Z","level":"INFO","msg":"startup phase","component":"runtime","trace_id":"-"}`,
		`{"timestamp":"2026-02-11T00:00:01Z","level":"WARN","msg":"api token used","token":"[REDACTED]","trace_id":"abc"}`,
		`{"timestamp":"2026-02-11T00:00:02Z","level":"INFO","msg":"run complete","trace_id":"abc","run_id":"r1"}`,
	}
	if err := os.WriteFile(logPath, []byte(strings.Join(logLines, "\n")+"\n"), 0o644); err != nil {
		fmt.Printf("write_log_error=%v\n", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(home, "agentgw.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	const chatID = "incident-export-chat"
	if err := store.EnsureChat(ctx, chatID, "webchat", "incident drill"); err != nil {
		fmt.Printf("ensure_chat_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := store.AppendMessage(ctx, chatID, persistence.DirectionInbound, "user-1", "create incident bundle"); err != nil {
		fmt.Printf("append_message_user_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := store.AppendMessage(ctx, chatID, persistence.DirectionOutbound, "", "incident bundle acknowledged"); err != nil {
		fmt.Printf("append_message_assistant_error=%v\n", err)
		os.Exit(1)
	}

	const runID = "incident-export-run"
	run := persistence.AgentRun{
		RunID: runID, ChatID: chatID, ChannelID: "webchat",
		RequestedBy: "incident-export", MaxSteps: 10, Deadline: time.Now().Add(time.Minute),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		fmt.Printf("create_run_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < 10; i++ {
		if err := store.AppendEvent(ctx, uint64(i+1), "run.progress", time.Now(), runID, "webchat", map[string]any{"index": i}); err != nil {
			fmt.Printf("append_event_error=%v\n", err)
			os.Exit(1)
		}
	}
	if err := store.FinalizeRun(ctx, runID, "completed", "ok", "", ""); err != nil {
		fmt.Printf("finalize_run_error=%v\n", err)
		os.Exit(1)
	}

	messages, err := store.ListMessages(ctx, chatID, 50)
	if err != nil {
		fmt.Printf("list_messages_error=%v\n", err)
		os.Exit(1)
	}
	events, err := store.ListEventsAfter(ctx, runID, 0)
	if err != nil {
		fmt.Printf("list_events_error=%v\n", err)
		os.Exit(1)
	}
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	logs, err := tailLines(logPath, maxLogs)
	if err != nil {
		fmt.Printf("tail_logs_error=%v\n", err)
		os.Exit(1)
	}
	cfgHash, err := sha256File(cfgPath)
	if err != nil {
		fmt.Printf("config_hash_error=%v\n", err)
		os.Exit(1)
	}

	b := bundle{
		ChatID:      chatID,
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		EventCount:  len(events),
		LogCount:    len(logs),
		Messages:    messages,
		Events:      events,
		RedactedLog: logs,
	}

	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Printf("marshal_bundle_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		fmt.Printf("write_bundle_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("events=%d max_events=%d\n", len(events), maxEvents)
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)
	fmt.Printf("messages=%d\n", len(messages))
	if len(events) == 0 || len(logs) == 0 || len(events) > maxEvents || len(logs) > maxLogs {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
