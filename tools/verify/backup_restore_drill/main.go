// Command backup_restore_drill exercises a live VACUUM INTO backup and
// restore cycle against the control kernel's SQLite store, measuring how
// long each half takes and confirming every run and event row survives.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/agentgw/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "agentgw-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "agentgw.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	const chatID = "backup-drill-chat"
	if err := store.EnsureChat(ctx, chatID, "webchat", ""); err != nil {
		fmt.Printf("ensure_chat_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < 40; i++ {
		runID := fmt.Sprintf("run-%d", i)
		run := persistence.AgentRun{
			RunID: runID, ChatID: chatID, ChannelID: "webchat",
			RequestedBy: "backup-drill", MaxSteps: 5, Deadline: time.Now().Add(time.Minute),
		}
		if err := store.CreateRun(ctx, run); err != nil {
			fmt.Printf("create_run_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.FinalizeRun(ctx, runID, "completed", fmt.Sprintf("backup-%d", i), "", ""); err != nil {
			fmt.Printf("finalize_run_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.AppendEvent(ctx, uint64(i+1), "run.completed", time.Now(), runID, "webchat", map[string]any{"index": i}); err != nil {
			fmt.Printf("append_event_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	var runCount, eventCount int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_runs;`).Scan(&runCount); err != nil {
		fmt.Printf("count_runs_error=%v\n", err)
		os.Exit(1)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&eventCount); err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}

	rpo := backupEnd.Sub(backupStart)
	rto := restoreEnd.Sub(restoreStart)
	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", rpo)
	fmt.Printf("rto_duration=%s\n", rto)
	fmt.Printf("restored_runs=%d\n", runCount)
	fmt.Printf("restored_events=%d\n", eventCount)

	if runCount < 40 || eventCount == 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
