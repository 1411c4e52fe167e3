// Package orchestrator implements the agent run state machine: the loop
// that turns a user prompt into zero or more LLM planning calls, tool
// invocations gated by policy and (for writes) human approval, and a
// terminal outcome. It owns no persisted state itself — Gateway Core is the
// sole writer of runs and messages; the orchestrator only borrows a run_id
// and reports back through the narrow Recorder/History interfaces below.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentgw/internal/approval"
	"github.com/basket/agentgw/internal/bus"
	"github.com/basket/agentgw/internal/llm"
	"github.com/basket/agentgw/internal/otel"
	"github.com/basket/agentgw/internal/policy"
	"github.com/basket/agentgw/internal/safety"
	"github.com/basket/agentgw/internal/shared"
	"github.com/basket/agentgw/internal/tools"
)

// Status mirrors the agent_runs.status enum.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusToolExec         Status = "tool_exec"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"
	StatusTimedOut         Status = "timed_out"
)

// Error kinds surfaced on a run's terminal record.
const (
	ErrorKindApprovalTimeout = "approval_timeout"
	ErrorKindStepLimit       = "step_limit"
	ErrorKindRunTimeout      = "run_timeout"
	ErrorKindCanceled        = "canceled"
	ErrorKindLLMUnavailable  = "llm_unavailable"
	ErrorKindInternal        = "internal"
)

// Config bounds a run's resources. Zero values fall back to spec defaults.
type Config struct {
	MaxSteps           int
	RunTimeout         time.Duration
	ToolTimeout        time.Duration
	ApprovalTimeout    time.Duration
	HistoryLimit       int
	LLMRetryMax        int
	LLMRetryBaseDelay  time.Duration
	LLMRetryMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 20
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 300 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 300 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.LLMRetryMax <= 0 {
		c.LLMRetryMax = 3
	}
	if c.LLMRetryBaseDelay <= 0 {
		c.LLMRetryBaseDelay = 250 * time.Millisecond
	}
	if c.LLMRetryMultiplier <= 0 {
		c.LLMRetryMultiplier = 2
	}
	return c
}

// Request starts one agent run.
type Request struct {
	RunID       string
	ChatID      string
	ChannelID   string
	RequestedBy string
	Prompt      string
	Deadline    time.Time
}

// Outcome is the terminal result of a run, handed back to Gateway Core to
// persist as the run's final row.
type Outcome struct {
	Status     Status
	OutputText string
	ErrorKind  string
	ErrorMsg   string
	Steps      int
}

// History loads the bounded recent conversation for a chat, oldest first.
type History interface {
	LoadHistory(ctx context.Context, chatID string, limit int) ([]llm.Message, error)
}

// Recorder is the narrow slice of Gateway Core the orchestrator drives
// status transitions through. The orchestrator never writes persisted
// state directly.
type Recorder interface {
	SetRunStep(ctx context.Context, runID string, step int) error
}

// Orchestrator runs agent runs to completion.
type Orchestrator struct {
	Brain     llm.Brain
	Tools     *tools.Registry
	Policy    *policy.LivePolicy
	Approvals *approval.Broker
	Bus       *bus.Bus
	History   History
	Recorder  Recorder
	Logger    *slog.Logger
	Config    Config

	// Metrics and Tracer are optional observability hooks; nil is a valid
	// zero value and every instrumentation call site below guards on it.
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	leaks *safety.LeakDetector
}

// New constructs an Orchestrator. Bus, History and Recorder may be nil in
// tests that don't need event emission, history seeding or step recording.
func New(brain llm.Brain, registry *tools.Registry, pol *policy.LivePolicy, approvals *approval.Broker, b *bus.Bus, hist History, rec Recorder, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Brain: brain, Tools: registry, Policy: pol, Approvals: approvals,
		Bus: b, History: hist, Recorder: rec, Logger: logger, Config: cfg.withDefaults(),
		leaks: safety.NewLeakDetector(),
	}
}

type blockRecord struct {
	reason string
	tool   string
}

// Run drives req through build_context -> plan -> {policy_check ->
// execute_tool | await_approval} -> decide -> finalize. It returns once the
// run reaches a terminal status; ctx cancellation unwinds to
// StatusCanceled, and req.Deadline unwinds to StatusTimedOut.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	cfg := o.Config
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(cfg.RunTimeout)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	runStart := time.Now()
	if o.Metrics != nil {
		o.Metrics.ActiveRuns.Add(runCtx, 1)
		defer func() {
			o.Metrics.ActiveRuns.Add(context.Background(), -1)
			o.Metrics.RunDuration.Record(context.Background(), time.Since(runStart).Seconds())
		}()
	}
	if o.Tracer != nil {
		var span trace.Span
		runCtx, span = otel.StartServerSpan(runCtx, o.Tracer, "run",
			otel.AttrRunID.String(req.RunID), otel.AttrChatID.String(req.ChatID), otel.AttrChannelID.String(req.ChannelID))
		defer span.End()
	}

	messages, err := o.buildContext(runCtx, req)
	if err != nil {
		return o.finalize(req, StatusFailed, "", ErrorKindInternal, err.Error(), 0), nil
	}
	o.emitProgress(req.RunID, "start", 0)

	var (
		step       int
		hasOutput  bool
		outputText string
	)

	for {
		if status, kind, msg := ctxOutcome(runCtx); status != "" {
			return o.finalize(req, status, outputText, kind, msg, step), nil
		}
		if step >= cfg.MaxSteps {
			return o.finalize(req, StatusFailed, outputText, ErrorKindStepLimit, fmt.Sprintf("reached max_steps=%d", cfg.MaxSteps), step), nil
		}

		step++
		o.recordStep(runCtx, req.RunID, step)
		if o.Metrics != nil {
			o.Metrics.RunStepsTotal.Add(runCtx, 1)
		}

		plan, err := o.plan(runCtx, messages)
		o.emitProgress(req.RunID, "plan_end", step)
		if err != nil {
			if status, kind, msg := ctxOutcome(runCtx); status != "" {
				return o.finalize(req, status, outputText, kind, msg, step), nil
			}
			return o.finalize(req, StatusFailed, outputText, ErrorKindLLMUnavailable, err.Error(), step), nil
		}

		if plan.DiscardedToolCalls > 0 {
			o.Logger.Warn("multi_tool_discarded",
				"trace_id", shared.TraceID(runCtx), "run_id", req.RunID, "tool", plan.ToolCall.Name, "discarded", plan.DiscardedToolCalls)
		}

		var blockedThisStep bool
		var block blockRecord

		switch plan.Kind {
		case llm.PlanText:
			outputText = plan.Text
			hasOutput = true
			o.emitOutput(req.RunID, outputText)
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: outputText})

		case llm.PlanAbstain:
			blockedThisStep = true
			block = blockRecord{reason: "llm_abstained"}
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: "(no response: " + plan.Reason + ")"})

		case llm.PlanTool:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: "(tool call: " + plan.ToolCall.Name + ")"})
			blocked, blk, toolOutput, toolErr := o.handleToolCall(runCtx, req, plan.ToolCall, deadline)
			if toolErr != nil {
				if errors.Is(toolErr, errApprovalTimeout) {
					return o.finalize(req, StatusFailed, outputText, ErrorKindApprovalTimeout, "approval not granted before deadline", step), nil
				}
				if status, kind, msg := ctxOutcome(runCtx); status != "" {
					return o.finalize(req, status, outputText, kind, msg, step), nil
				}
				return o.finalize(req, StatusFailed, outputText, ErrorKindInternal, toolErr.Error(), step), nil
			}
			if blocked {
				blockedThisStep = true
				block = blk
				messages = append(messages, llm.Message{
					Role: llm.RoleTool, ToolCallID: plan.ToolCall.ID, ToolName: plan.ToolCall.Name,
					Content: "blocked: " + block.reason,
				})
			} else {
				messages = append(messages, llm.Message{
					Role: llm.RoleTool, ToolCallID: plan.ToolCall.ID, ToolName: plan.ToolCall.Name,
					Content: string(toolOutput),
				})
			}
		}

		// decide, in priority order: deadline > step limit > output > blocked_only > continue.
		if status, kind, msg := ctxOutcome(runCtx); status != "" {
			return o.finalize(req, status, outputText, kind, msg, step), nil
		}
		if step >= cfg.MaxSteps && !hasOutput {
			return o.finalize(req, StatusFailed, outputText, ErrorKindStepLimit, fmt.Sprintf("reached max_steps=%d", cfg.MaxSteps), step), nil
		}
		if hasOutput {
			return o.finalize(req, StatusCompleted, outputText, "", "", step), nil
		}
		if blockedThisStep {
			text := clarificationFor(block)
			o.emitOutput(req.RunID, text)
			return o.finalize(req, StatusCompleted, text, "", "", step), nil
		}
		// else: continue the loop (plan again with step+1)
	}
}

var errApprovalTimeout = errors.New("orchestrator: approval timed out")

// ctxOutcome reports the terminal status to finalize with if ctx has
// already ended, or ("","","") if it is still live.
func ctxOutcome(ctx context.Context) (Status, string, string) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return StatusTimedOut, ErrorKindRunTimeout, "run deadline exceeded"
	case context.Canceled:
		return StatusCanceled, ErrorKindCanceled, "run canceled"
	default:
		return "", "", ""
	}
}

// buildContext loads bounded history and seeds the conversation with the
// triggering prompt.
func (o *Orchestrator) buildContext(ctx context.Context, req Request) ([]llm.Message, error) {
	var history []llm.Message
	if o.History != nil {
		h, err := o.History.LoadHistory(ctx, req.ChatID, o.Config.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		history = h
	}
	return append(append([]llm.Message{}, history...), llm.Message{Role: llm.RoleUser, Content: req.Prompt}), nil
}

// plan calls the Brain with retry/backoff: 250ms base, x2 factor, max 3
// attempts, +-20% jitter, before surfacing llm_unavailable.
func (o *Orchestrator) plan(ctx context.Context, messages []llm.Message) (llm.PlanResult, error) {
	toolDefs := o.toolDefs()
	req := llm.Request{Messages: messages, Tools: toolDefs}

	if o.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, o.Tracer, "llm.respond")
		defer span.End()
	}
	start := time.Now()

	delay := o.Config.LLMRetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < o.Config.LLMRetryMax; attempt++ {
		if attempt > 0 {
			jittered := jitter(delay, 0.2)
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return llm.PlanResult{}, ctx.Err()
			}
			delay = time.Duration(float64(delay) * o.Config.LLMRetryMultiplier)
		}
		result, err := o.Brain.Respond(ctx, req)
		if err == nil {
			if o.Metrics != nil {
				o.Metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return llm.PlanResult{}, err
		}
	}
	if o.Metrics != nil {
		o.Metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())
	}
	return llm.PlanResult{}, fmt.Errorf("llm_unavailable: %w", lastErr)
}

func jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func (o *Orchestrator) toolDefs() []llm.ToolDef {
	if o.Tools == nil {
		return nil
	}
	specs := o.Tools.List()
	out := make([]llm.ToolDef, 0, len(specs))
	for _, s := range specs {
		out = append(out, llm.ToolDef{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return out
}

// handleToolCall runs policy_check and, depending on its verdict,
// execute_tool or await_approval. It returns (blocked, block-record,
// tool-output, error). error is non-nil only for errApprovalTimeout or an
// unexpected internal failure; a handler-level failure is reported as a
// non-blocked tool output of {"ok":false,"error":...} so the run re-plans.
func (o *Orchestrator) handleToolCall(ctx context.Context, req Request, call llm.ToolCall, runDeadline time.Time) (bool, blockRecord, json.RawMessage, error) {
	decision := o.Policy.Evaluate(call.Name, o.Tools)
	switch decision.Effect {
	case policy.EffectDeny:
		o.emitBlocked(req.RunID, decision.Reason, call.Name)
		return true, blockRecord{reason: decision.Reason, tool: call.Name}, nil, nil

	case policy.EffectApprovalRequired:
		o.emitToolCall(req.RunID, call.Name, call.Arguments, true)
		approvalDeadline := runDeadline
		adl := time.Now().Add(o.Config.ApprovalTimeout)
		if adl.Before(approvalDeadline) {
			approvalDeadline = adl
		}
		waiter, err := o.Approvals.Open(req.RunID, call.Name, string(call.Arguments), approvalDeadline)
		if err != nil {
			return true, blockRecord{reason: "approval_open_failed", tool: call.Name}, nil, nil
		}
		result, err := waiter.Done(ctx)
		if err != nil {
			return false, blockRecord{}, nil, err
		}
		switch result.Outcome {
		case approval.OutcomeGranted:
			o.emitToolCall(req.RunID, call.Name, call.Arguments, false)
			out, toolErr := o.execute(ctx, call)
			return o.foldToolError(out, toolErr)
		case approval.OutcomeDenied:
			o.emitBlocked(req.RunID, "approval_denied", call.Name)
			return true, blockRecord{reason: "approval_denied:" + result.Reason, tool: call.Name}, nil, nil
		default: // timeout
			return false, blockRecord{}, nil, errApprovalTimeout
		}

	default: // allow
		o.emitToolCall(req.RunID, call.Name, call.Arguments, false)
		out, toolErr := o.execute(ctx, call)
		return o.foldToolError(out, toolErr)
	}
}

func (o *Orchestrator) foldToolError(out json.RawMessage, err error) (bool, blockRecord, json.RawMessage, error) {
	if err != nil {
		payload, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
		return false, blockRecord{}, payload, nil
	}
	payload, _ := json.Marshal(map[string]any{"ok": true, "result": json.RawMessage(out)})
	return false, blockRecord{}, payload, nil
}

// execute invokes the tool with a per-call timeout, retrying once more only
// for a read-permission tool (write tools never auto-retry).
func (o *Orchestrator) execute(ctx context.Context, call llm.ToolCall) (json.RawMessage, error) {
	spec, ok := o.Tools.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("tool %s not registered", call.Name)
	}

	if o.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, o.Tracer, "tool.invoke", otel.AttrToolName.String(call.Name))
		defer span.End()
	}
	start := time.Now()

	attempts := 1
	if spec.Permission == tools.PermissionRead {
		attempts = 2
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, o.Config.ToolTimeout)
		out, err := o.Tools.Invoke(callCtx, call.Name, call.Arguments)
		cancel()
		if err == nil {
			if o.Metrics != nil {
				o.Metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds())
			}
			if warnings := o.leaks.Scan(string(out)); len(warnings) > 0 {
				for _, w := range warnings {
					o.Logger.Warn("tool output leak warning",
						"tool", call.Name, "pattern", w.Pattern, "sample", w.Sample)
				}
			}
			return out, nil
		}
		lastErr = err
	}
	if o.Metrics != nil {
		o.Metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds())
		o.Metrics.ToolCallErrors.Add(ctx, 1)
	}
	return nil, lastErr
}

func (o *Orchestrator) finalize(req Request, status Status, outputText, errKind, errMsg string, steps int) *Outcome {
	if o.Bus != nil {
		o.Bus.PublishRun(bus.TopicRunCompleted, req.RunID, req.ChannelID, map[string]any{
			"status":      string(status),
			"output_text": outputText,
			"error_kind":  errKind,
			"error":       errMsg,
			"steps":       steps,
		})
	}
	return &Outcome{Status: status, OutputText: outputText, ErrorKind: errKind, ErrorMsg: errMsg, Steps: steps}
}

func (o *Orchestrator) recordStep(ctx context.Context, runID string, step int) {
	if o.Recorder == nil {
		return
	}
	if err := o.Recorder.SetRunStep(ctx, runID, step); err != nil {
		o.Logger.Warn("orchestrator: record step failed",
			"trace_id", shared.TraceID(ctx), "run_id", runID, "step", step, "err", err)
	}
}

func (o *Orchestrator) emitProgress(runID, phase string, step int) {
	if o.Bus == nil {
		return
	}
	o.Bus.PublishRun(bus.TopicRunProgress, runID, "", map[string]any{"phase": phase, "step": step})
}

func (o *Orchestrator) emitOutput(runID, text string) {
	if o.Bus == nil {
		return
	}
	o.Bus.PublishRun(bus.TopicRunOutput, runID, "", map[string]any{"text": text})
}

func (o *Orchestrator) emitToolCall(runID, tool string, args json.RawMessage, approvalRequired bool) {
	if o.Bus == nil {
		return
	}
	o.Bus.PublishRun(bus.TopicRunToolCall, runID, "", map[string]any{
		"tool": tool, "args": json.RawMessage(args), "approval_required": approvalRequired,
	})
}

func (o *Orchestrator) emitBlocked(runID, reason, tool string) {
	if o.Bus == nil {
		return
	}
	o.Bus.PublishRun(bus.TopicSecurityBlocked, runID, "", map[string]any{"reason": reason, "tool": tool})
}

func clarificationFor(b blockRecord) string {
	if b.tool != "" {
		return fmt.Sprintf("I can't complete this: the tool %q was blocked (%s).", b.tool, b.reason)
	}
	return fmt.Sprintf("I can't complete this: %s.", b.reason)
}
