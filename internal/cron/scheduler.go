// Package cron drives the gateway's two background sweeps — persistence
// retention and rate limiter idle-bucket eviction — off a single
// robfig/cron instance instead of hand-rolled tickers.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentgw/internal/persistence"
	"github.com/basket/agentgw/internal/ratelimit"
)

// Config holds the dependencies and schedule expressions for the
// background sweeps. A zero Schedule field falls back to its documented
// default.
type Config struct {
	Store   *persistence.Store
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger

	// RetentionSchedule is a standard 5-field cron expression; defaults
	// to "@every 1h".
	RetentionSchedule string
	// EvictionSchedule is a standard 5-field cron expression; defaults
	// to "@every 10m" per spec 4.A ("idle buckets older than 1h may be
	// dropped").
	EvictionSchedule string

	EventRetentionDays    int
	MessageRetentionDays  int
	AuditLogRetentionDays int
	EvictionMaxAge        time.Duration
}

const (
	defaultRetentionSchedule = "@every 1h"
	defaultEvictionSchedule  = "@every 10m"
	defaultEvictionMaxAge    = time.Hour
)

// Scheduler wraps a robfig/cron.Cron running the retention sweep and the
// rate limiter's idle-bucket eviction as independent entries.
type Scheduler struct {
	cron    *cronlib.Cron
	store   *persistence.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	eventDays      int
	messageDays    int
	auditLogDays   int
	evictionMaxAge time.Duration
}

// NewScheduler builds a Scheduler from cfg without starting it.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retentionSchedule := cfg.RetentionSchedule
	if retentionSchedule == "" {
		retentionSchedule = defaultRetentionSchedule
	}
	evictionSchedule := cfg.EvictionSchedule
	if evictionSchedule == "" {
		evictionSchedule = defaultEvictionSchedule
	}
	evictionMaxAge := cfg.EvictionMaxAge
	if evictionMaxAge <= 0 {
		evictionMaxAge = defaultEvictionMaxAge
	}

	s := &Scheduler{
		cron:           cronlib.New(),
		store:          cfg.Store,
		limiter:        cfg.Limiter,
		logger:         logger,
		eventDays:      cfg.EventRetentionDays,
		messageDays:    cfg.MessageRetentionDays,
		auditLogDays:   cfg.AuditLogRetentionDays,
		evictionMaxAge: evictionMaxAge,
	}

	if s.store != nil {
		if _, err := s.cron.AddFunc(retentionSchedule, s.runRetention); err != nil {
			logger.Error("cron: invalid retention schedule, sweep disabled", "expr", retentionSchedule, "error", err)
		}
	}
	if s.limiter != nil {
		if _, err := s.cron.AddFunc(evictionSchedule, s.runEviction); err != nil {
			logger.Error("cron: invalid eviction schedule, sweep disabled", "expr", evictionSchedule, "error", err)
		}
	}
	return s
}

// Start runs the cron loop in a background goroutine until ctx is
// canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("cron scheduler started", "entries", len(s.cron.Entries()))
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the cron loop, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.store.RunRetention(ctx, s.eventDays, s.messageDays, s.auditLogDays)
	if err != nil {
		s.logger.Error("cron: retention sweep failed", "error", err)
		return
	}
	s.logger.Info("cron: retention sweep complete",
		"purged_events", result.PurgedEvents,
		"purged_messages", result.PurgedMessages,
		"purged_audit_log", result.PurgedAuditLog,
	)
}

func (s *Scheduler) runEviction() {
	before := s.limiter.BucketCount() + s.limiter.ChannelBucketCount()
	s.limiter.EvictStale(s.evictionMaxAge)
	after := s.limiter.BucketCount() + s.limiter.ChannelBucketCount()
	s.logger.Info("cron: rate limiter eviction complete", "buckets_before", before, "buckets_after", after)
}
