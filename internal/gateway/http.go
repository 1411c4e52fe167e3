package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
)

// handleHealthz reports gateway health: database reachability, the live
// policy's fingerprint, and the replay backlog size. It answers 503 when
// the database is unreachable, mirroring the control plane's own liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.core.Store.ListChannels(ctx); err != nil {
		dbOK = false
	}

	policyVersion := ""
	if s.core.Policy != nil {
		policyVersion = s.core.Policy.PolicyVersion()
	}

	var replayBacklog int64
	if n, err := s.core.Store.TotalEventCount(ctx); err == nil {
		replayBacklog = n
	}

	checks := map[string]any{
		"db":             dbOK,
		"policy_version": policyVersion,
		"replay_backlog": replayBacklog,
	}
	status := "ok"
	if !dbOK {
		status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// handleMetrics serves the gateway's counters and gauges in Prometheus text
// exposition format: run states, pending approvals, bus subscriber count,
// rate-limiter bucket counts and process memory.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()

	statuses := []string{"pending", "planning", "completed", "failed", "canceled", "timed_out"}
	counts, err := s.core.Store.CountRunsByStatus(ctx, statuses...)
	if err != nil {
		counts = make([]int64, len(statuses))
	}

	pendingApprovals := len(s.core.Approvals.List())
	subscribers := s.core.Bus.SubscriberCount()
	principalBuckets := s.core.Limiter.BucketCount()
	channelBuckets := s.core.Limiter.ChannelBucketCount()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP agentgw_runs_total Number of agent runs by status.\n")
	fmt.Fprintf(w, "# TYPE agentgw_runs_total gauge\n")
	for i, status := range statuses {
		fmt.Fprintf(w, "agentgw_runs_total{status=%q} %d\n", status, counts[i])
	}
	fmt.Fprintf(w, "# HELP agentgw_pending_approvals Number of approvals awaiting a decision.\n")
	fmt.Fprintf(w, "# TYPE agentgw_pending_approvals gauge\n")
	fmt.Fprintf(w, "agentgw_pending_approvals %d\n", pendingApprovals)
	fmt.Fprintf(w, "# HELP agentgw_bus_subscribers Number of active event bus subscriptions.\n")
	fmt.Fprintf(w, "# TYPE agentgw_bus_subscribers gauge\n")
	fmt.Fprintf(w, "agentgw_bus_subscribers %d\n", subscribers)
	fmt.Fprintf(w, "# HELP agentgw_ratelimit_buckets Number of tracked rate limit buckets.\n")
	fmt.Fprintf(w, "# TYPE agentgw_ratelimit_buckets gauge\n")
	fmt.Fprintf(w, "agentgw_ratelimit_buckets{kind=\"principal\"} %d\n", principalBuckets)
	fmt.Fprintf(w, "agentgw_ratelimit_buckets{kind=\"channel\"} %d\n", channelBuckets)
	fmt.Fprintf(w, "# HELP agentgw_alloc_bytes Current allocated heap memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE agentgw_alloc_bytes gauge\n")
	fmt.Fprintf(w, "agentgw_alloc_bytes %d\n", mem.Alloc)
}
