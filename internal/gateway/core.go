package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentgw/internal/approval"
	"github.com/basket/agentgw/internal/bus"
	"github.com/basket/agentgw/internal/config"
	"github.com/basket/agentgw/internal/doctor"
	"github.com/basket/agentgw/internal/llm"
	"github.com/basket/agentgw/internal/orchestrator"
	"github.com/basket/agentgw/internal/otel"
	"github.com/basket/agentgw/internal/persistence"
	"github.com/basket/agentgw/internal/policy"
	"github.com/basket/agentgw/internal/ratelimit"
	"github.com/basket/agentgw/internal/safety"
	"github.com/basket/agentgw/internal/shared"
	"github.com/basket/agentgw/internal/tools"
)

// runEntry tracks one in-flight agent run so Shutdown can cancel and drain
// it, and so runs.tail can find the run's bookkeeping without a store
// round-trip.
type runEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Core is Gateway Core: the single owner of every run, the tool registry,
// the live policy, the approval broker and the persistence handle. Every
// control plane connection and every channel adapter drives the gateway
// exclusively through Core's methods; nothing else is allowed to write
// persisted state or start a run.
type Core struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Policy    *policy.LivePolicy
	Tools     *tools.Registry
	Approvals *approval.Broker
	Limiter   *ratelimit.Limiter
	Brain     llm.Brain
	Auth      *AuthMiddleware
	Config    config.Config
	Logger    *slog.Logger
	Version   string

	// Sanitizer screens inbound channel text for prompt-injection attempts
	// before it is ever persisted or handed to the orchestrator.
	Sanitizer *safety.Sanitizer

	// Metrics and Tracer are optional observability hooks passed straight
	// through to each run's Orchestrator; nil is a valid zero value.
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	mu   sync.RWMutex
	runs map[string]*runEntry
}

// NewCore wires the collaborators built at startup into a Core. Brain may
// be nil in tests that never start a run.
func NewCore(store *persistence.Store, b *bus.Bus, pol *policy.LivePolicy, reg *tools.Registry,
	approvals *approval.Broker, limiter *ratelimit.Limiter, brain llm.Brain, auth *AuthMiddleware,
	cfg config.Config, logger *slog.Logger, version string) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		Store: store, Bus: b, Policy: pol, Tools: reg, Approvals: approvals,
		Limiter: limiter, Brain: brain, Auth: auth, Config: cfg, Logger: logger,
		Version: version, Sanitizer: safety.NewSanitizer(), runs: make(map[string]*runEntry),
	}
}

// historyAdapter satisfies orchestrator.History by mapping persisted
// messages onto llm.Message. It lives here, not in internal/persistence, so
// persistence never imports the llm package.
type historyAdapter struct {
	store *persistence.Store
}

func (h historyAdapter) LoadHistory(ctx context.Context, chatID string, limit int) ([]llm.Message, error) {
	msgs, err := h.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Direction == persistence.DirectionOutbound {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out, nil
}

// IngestInbound records an inbound channel message after policy admits the
// sender, and publishes it on the bus for any subscribed control plane
// connection.
func (c *Core) IngestInbound(ctx context.Context, channelID, chatID, senderID, text string) (persistence.Message, error) {
	decision := c.Policy.EvaluateInbound(channelID, senderID)
	if !decision.Allowed {
		c.Bus.PublishRun(bus.TopicSecurityBlocked, "", channelID, map[string]any{
			"reason": decision.Reason, "sender_id": senderID,
		})
		return persistence.Message{}, fmt.Errorf("inbound blocked: %s", decision.Reason)
	}
	if rl := c.Limiter.AdmitChannel(channelID); !rl.Allowed {
		return persistence.Message{}, fmt.Errorf("rate_limited: retry after %s", rl.RetryAfter)
	}

	check := c.Sanitizer.Check(text)
	if check.Action == safety.ActionBlock {
		c.Bus.PublishRun(bus.TopicSecurityBlocked, "", channelID, map[string]any{
			"reason": check.Reason, "sender_id": senderID,
		})
		return persistence.Message{}, fmt.Errorf("inbound blocked: %s", check.Reason)
	}
	if check.Action == safety.ActionWarn {
		c.Logger.Warn("inbound message flagged by sanitizer",
			"trace_id", shared.TraceID(ctx), "channel_id", channelID, "sender_id", senderID, "reason", check.Reason)
	}

	if err := c.Store.EnsureChat(ctx, chatID, channelID, ""); err != nil {
		return persistence.Message{}, fmt.Errorf("ensure chat: %w", err)
	}
	msg, err := c.Store.AppendMessage(ctx, chatID, persistence.DirectionInbound, senderID, text)
	if err != nil {
		return persistence.Message{}, fmt.Errorf("append message: %w", err)
	}
	c.Bus.PublishRun(bus.TopicMessageInbound, "", channelID, map[string]any{
		"chat_id": chatID, "sender_id": senderID, "text": text,
	})
	return msg, nil
}

// StartRun admits requestedBy against the rate limiter, persists a pending
// run row, then spawns the orchestrator loop in a tracked goroutine and
// returns immediately with the new run_id.
func (c *Core) StartRun(ctx context.Context, req AgentRunRequest) (string, error) {
	if rl := c.Limiter.Admit(req.RequestedBy, 1); !rl.Allowed {
		return "", fmt.Errorf("rate_limited: retry after %s", rl.RetryAfter)
	}

	runID := uuid.NewString()
	runLimits := c.Config.RunLimits
	deadline := time.Now().Add(time.Duration(runLimits.TimeoutSeconds) * time.Second)

	if err := c.Store.EnsureChat(ctx, req.ChatID, req.ChannelID, ""); err != nil {
		return "", fmt.Errorf("ensure chat: %w", err)
	}
	if err := c.Store.CreateRun(ctx, persistence.AgentRun{
		RunID: runID, ChatID: req.ChatID, ChannelID: req.ChannelID,
		RequestedBy: req.RequestedBy, MaxSteps: runLimits.MaxSteps, Deadline: deadline,
	}); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if _, err := c.Store.AppendMessage(ctx, req.ChatID, persistence.DirectionInbound, req.RequestedBy, req.Prompt); err != nil {
		c.Logger.Warn("start_run: append prompt message failed", "run_id", runID, "error", err)
	}

	traceID := shared.NewTraceID()
	runCtx, cancel := context.WithCancel(shared.WithTraceID(context.Background(), traceID))
	entry := &runEntry{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.runs[runID] = entry
	c.mu.Unlock()

	runLogger := c.Logger.With("trace_id", traceID, "run_id", runID)
	orch := orchestrator.New(c.Brain, c.Tools, c.Policy, c.Approvals, c.Bus,
		historyAdapter{store: c.Store}, c.Store, runLogger,
		orchestrator.Config{
			MaxSteps:        runLimits.MaxSteps,
			RunTimeout:      time.Duration(runLimits.TimeoutSeconds) * time.Second,
			ToolTimeout:     time.Duration(runLimits.ToolTimeoutS) * time.Second,
			ApprovalTimeout: time.Duration(runLimits.ApprovalTimeoutS) * time.Second,
		})
	orch.Metrics = c.Metrics
	orch.Tracer = c.Tracer

	go func() {
		defer close(entry.done)
		defer func() {
			c.mu.Lock()
			delete(c.runs, runID)
			c.mu.Unlock()
		}()
		outcome, err := orch.Run(runCtx, orchestrator.Request{
			RunID: runID, ChatID: req.ChatID, ChannelID: req.ChannelID,
			RequestedBy: req.RequestedBy, Prompt: req.Prompt, Deadline: deadline,
		})
		if err != nil {
			c.Logger.Error("run failed unexpectedly", "run_id", runID, "error", err)
			_ = c.Store.FinalizeRun(context.Background(), runID, string(orchestrator.StatusFailed), "", orchestrator.ErrorKindInternal, err.Error())
			return
		}
		if outcome.OutputText != "" {
			if _, err := c.Store.AppendMessage(context.Background(), req.ChatID, persistence.DirectionOutbound, "", outcome.OutputText); err != nil {
				c.Logger.Warn("start_run: append output message failed", "run_id", runID, "error", err)
			}
		}
		if err := c.Store.FinalizeRun(context.Background(), runID, string(outcome.Status), outcome.OutputText, outcome.ErrorKind, outcome.ErrorMsg); err != nil {
			c.Logger.Error("finalize run failed", "run_id", runID, "error", err)
		}
	}()

	return runID, nil
}

// GrantApproval resolves a run's pending approval in its favor.
func (c *Core) GrantApproval(runID, byPrincipal string) error {
	return c.Approvals.Grant(runID, byPrincipal)
}

// DenyApproval resolves a run's pending approval against it.
func (c *Core) DenyApproval(runID, reason string) error {
	return c.Approvals.Deny(runID, reason)
}

// UpsertChannel records a channel adapter's presence, used by channel
// adapters (Telegram, the in-process webchat fixture) on startup.
func (c *Core) UpsertChannel(ctx context.Context, id, kind, status string) error {
	return c.Store.UpsertChannel(ctx, id, kind, status)
}

// SetChannelStatus updates only a channel's status and last_seen, the
// narrower entry point a channel adapter calls on every subsequent
// connect/disconnect transition after its initial UpsertChannel.
func (c *Core) SetChannelStatus(ctx context.Context, id, status string) error {
	if err := c.Store.SetChannelStatus(ctx, id, status); err != nil {
		return err
	}
	c.Bus.PublishRun(bus.TopicChannelStatus, "", id, map[string]any{"channel_id": id, "status": status})
	return nil
}

// ListChannels returns every known channel.
func (c *Core) ListChannels(ctx context.Context) ([]persistence.Channel, error) {
	return c.Store.ListChannels(ctx)
}

// ListChats returns chats, optionally filtered to one channel.
func (c *Core) ListChats(ctx context.Context, channelID string) ([]persistence.Chat, error) {
	return c.Store.ListChats(ctx, channelID)
}

// ListMessages returns up to limit recent messages for a chat.
func (c *Core) ListMessages(ctx context.Context, chatID string, limit int) ([]persistence.Message, error) {
	return c.Store.ListMessages(ctx, chatID, limit)
}

// ReplayEvents returns a run's persisted events with seq > afterSeq, the
// replay half of runs.tail; the live half is the caller subscribing to
// c.Bus with a RunID filter afterward.
func (c *Core) ReplayEvents(ctx context.Context, runID string, afterSeq uint64) ([]persistence.StoredEvent, error) {
	return c.Store.ListEventsAfter(ctx, runID, afterSeq)
}

// GetConfig returns the live policy snapshot and the registered tool
// catalog, as req:config.get surfaces them.
func (c *Core) GetConfig() (policy.Policy, []tools.ToolSpec) {
	return c.Policy.Snapshot(), c.Tools.List()
}

// SetConfig applies a partial policy mutation and persists it so a restart
// keeps the operator's change (resolves the Open Question that config.set
// mutations outlive the process, not just the in-memory LivePolicy).
func (c *Core) SetConfig(req ConfigSetRequest) error {
	current := c.Policy.Snapshot()
	if req.ChannelAllowlist != nil {
		current.ChannelAllowlist = req.ChannelAllowlist
	}
	if req.ToolAllowlist != nil {
		current.ToolAllowlist = req.ToolAllowlist
	}
	if req.DMPolicy != nil {
		current.DMPolicy = *req.DMPolicy
	}
	if req.GroupPolicy != nil {
		current.GroupPolicy = *req.GroupPolicy
	}
	c.Policy.Reload(current)

	cfg := c.Config
	cfg.ChannelAllowlist = current.ChannelAllowlist
	cfg.ToolAllowlist = current.ToolAllowlist
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	c.Config = cfg
	return nil
}

// Audit runs the operational diagnostic suite and wraps its findings in the
// control plane's severity/code/message shape.
func (c *Core) Audit(ctx context.Context) DoctorAuditResponse {
	diag := doctor.Run(ctx, &c.Config, c.Version)
	findings := make([]Finding, 0, len(diag.Results))
	for _, r := range diag.Results {
		findings = append(findings, Finding{Severity: r.Status, Code: r.Name, Message: r.Message})
	}
	return DoctorAuditResponse{Findings: findings}
}

// Shutdown cancels every in-flight run and waits up to timeout for them to
// finish unwinding before returning; runs still running past timeout are
// abandoned (their goroutines keep draining in the background, but
// Shutdown no longer waits on them).
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	entries := make([]*runEntry, 0, len(c.runs))
	for _, e := range c.runs {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}

	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for _, e := range entries {
		select {
		case <-e.done:
		case <-timer.C:
			c.Logger.Warn("shutdown: timed out waiting for runs to drain")
			return nil
		}
	}
	return nil
}
