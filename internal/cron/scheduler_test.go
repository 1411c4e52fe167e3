package cron_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentgw/internal/cron"
	"github.com/basket/agentgw/internal/persistence"
	"github.com/basket/agentgw/internal/ratelimit"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "agentgw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduler_RunsRetentionSweepOnSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour)
	if _, err := store.DB().ExecContext(ctx, `INSERT INTO events(seq, type, ts, run_id, channel_id, payload) VALUES (?, ?, ?, ?, ?, ?);`,
		1, "run.progress", old, "run-1", "webchat", "{}"); err != nil {
		t.Fatalf("insert ancient event: %v", err)
	}

	sched := cron.NewScheduler(cron.Config{
		Store:              store,
		RetentionSchedule:  "@every 50ms",
		EventRetentionDays: 90,
	})

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	sched.Start(runCtx)
	<-runCtx.Done()
	sched.Stop()

	var count int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the ancient event to be purged by the retention sweep, got %d remaining", count)
	}
}

func TestScheduler_RunsEvictionOnSchedule(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, BurstSize: 5}, nil)
	limiter.Admit("stale-principal", 1)
	if limiter.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket after Admit, got %d", limiter.BucketCount())
	}

	sched := cron.NewScheduler(cron.Config{
		Limiter:          limiter,
		EvictionSchedule: "@every 50ms",
		EvictionMaxAge:   time.Nanosecond, // forces the sweep to evict the bucket on its first run
	})

	runCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sched.Start(runCtx)
	<-runCtx.Done()
	sched.Stop()

	if limiter.BucketCount() != 0 {
		t.Fatalf("expected eviction sweep to clear the stale bucket, got %d remaining", limiter.BucketCount())
	}
}

func TestScheduler_NoLimiterSkipsEvictionEntry(t *testing.T) {
	store := openTestStore(t)
	sched := cron.NewScheduler(cron.Config{Store: store})
	// Must not panic without a limiter configured.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sched.Start(ctx)
	<-ctx.Done()
	sched.Stop()
}

func TestScheduler_InvalidScheduleDoesNotPreventOtherSweep(t *testing.T) {
	store := openTestStore(t)
	sched := cron.NewScheduler(cron.Config{
		Store:             store,
		RetentionSchedule: "not a valid cron expression",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sched.Start(ctx)
	<-ctx.Done()
	sched.Stop()
}
