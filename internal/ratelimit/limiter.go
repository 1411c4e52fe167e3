// Package ratelimit implements the gateway's admission control: an
// independent token bucket per principal and per channel, checked before an
// inbound message or tool call is allowed to proceed.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config controls bucket sizing. Zero values fall back to sane defaults.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 10
	}
	return c
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // populated when Allowed is false
}

// TokenBucket is a lazily-refilled token bucket: tokens accrue continuously
// at refillRate and are capped at maxTokens, so a caller that has been idle
// for a while sees a full burst allowance on its next request.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(requestsPerSecond float64, burstSize int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: requestsPerSecond,
		lastRefill: now,
		lastAccess: now,
	}
}

// Admit reports whether a request costing n tokens may proceed right now,
// consuming n tokens if so. A denial carries the retry_after duration until
// enough tokens will have accrued.
func (tb *TokenBucket) Admit(n float64) Decision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= n {
		tb.tokens -= n
		return Decision{Allowed: true}
	}

	deficit := n - tb.tokens
	retryAfter := time.Duration(deficit / tb.refillRate * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// LastAccess returns the time of the last Admit call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// Limiter enforces independent per-principal and per-channel token buckets.
// A bucket is created per unique key on first use; idle buckets are evicted
// in the background so memory is bounded by recently active keys, not total
// keys ever seen.
type Limiter struct {
	principals *bucketSet
	channels   *bucketSet
	config     Config
	logger     *slog.Logger
}

type bucketSet struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

func newBucketSet() *bucketSet {
	return &bucketSet{buckets: make(map[string]*TokenBucket)}
}

func (s *bucketSet) get(key string, cfg Config) *TokenBucket {
	s.mu.RLock()
	bucket, exists := s.buckets[key]
	s.mu.RUnlock()
	if exists {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, exists = s.buckets[key]; exists {
		return bucket
	}
	bucket = NewTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
	s.buckets[key] = bucket
	return bucket
}

func (s *bucketSet) evictStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for key, bucket := range s.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(s.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (s *bucketSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// New creates a Limiter from config.
func New(cfg Config, logger *slog.Logger) *Limiter {
	return &Limiter{
		principals: newBucketSet(),
		channels:   newBucketSet(),
		config:     cfg.withDefaults(),
		logger:     logger,
	}
}

// Admit checks admission for principalID at the given cost (default 1 token
// per call). Buckets are independent per principal.
func (l *Limiter) Admit(principalID string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	return l.principals.get(principalID, l.config).Admit(float64(cost))
}

// AdmitChannel checks admission for channelID against its own, independent
// bucket set (spec: "separately, admit_channel(channel_id) with independent
// buckets").
func (l *Limiter) AdmitChannel(channelID string) Decision {
	return l.channels.get(channelID, l.config).Admit(1)
}

// StartEviction launches a background goroutine that periodically removes
// stale token buckets (no requests in the last maxAge) from both the
// principal and channel bucket sets. It returns immediately; the goroutine
// exits when ctx is canceled.
func (l *Limiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (l *Limiter) EvictStale(maxAge time.Duration) {
	evicted := l.principals.evictStale(maxAge) + l.channels.evictStale(maxAge)
	if evicted > 0 && l.logger != nil {
		l.logger.Debug("ratelimit eviction",
			"evicted", evicted,
			"principal_buckets", l.principals.count(),
			"channel_buckets", l.channels.count(),
		)
	}
}

// BucketCount returns the current number of tracked principal buckets,
// surfaced in /metrics as gateway_ratelimit_buckets.
func (l *Limiter) BucketCount() int {
	return l.principals.count()
}

// ChannelBucketCount returns the current number of tracked channel buckets.
func (l *Limiter) ChannelBucketCount() int {
	return l.channels.count()
}
