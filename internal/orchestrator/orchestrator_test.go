package orchestrator_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentgw/internal/approval"
	"github.com/basket/agentgw/internal/bus"
	"github.com/basket/agentgw/internal/llm"
	"github.com/basket/agentgw/internal/orchestrator"
	"github.com/basket/agentgw/internal/policy"
	"github.com/basket/agentgw/internal/tools"
)

// scriptedBrain returns PlanResults in sequence, repeating the last one if
// the script runs out (so step-limit tests don't need one entry per step).
type scriptedBrain struct {
	mu     sync.Mutex
	script []llm.PlanResult
	calls  int
}

func (b *scriptedBrain) Respond(ctx context.Context, req llm.Request) (llm.PlanResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.calls
	if idx >= len(b.script) {
		idx = len(b.script) - 1
	}
	b.calls++
	return b.script[idx], nil
}

func echoTool(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func newPolicy(toolAllow map[string]bool, requireApproval bool) *policy.LivePolicy {
	p := policy.Default()
	p.ToolAllowlist = toolAllow
	p.RequireApprovalForWrite = requireApproval
	return policy.NewLivePolicy(p, "")
}

func TestOrchestrator_S1_Echo(t *testing.T) {
	brain := &scriptedBrain{script: []llm.PlanResult{{Kind: llm.PlanText, Text: "hi there"}}}
	reg := tools.NewRegistry()
	o := orchestrator.New(brain, reg, newPolicy(map[string]bool{}, true), approval.New(nil), bus.New(), nil, nil, nil, orchestrator.Config{})

	out, err := o.Run(context.Background(), orchestrator.Request{RunID: "r1", ChatID: "c1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != orchestrator.StatusCompleted {
		t.Fatalf("status = %v, want completed", out.Status)
	}
	if !strings.Contains(out.OutputText, "hi") {
		t.Fatalf("output = %q, want to contain %q", out.OutputText, "hi")
	}
}

func TestOrchestrator_S2_ReadTool(t *testing.T) {
	brain := &scriptedBrain{script: []llm.PlanResult{
		{Kind: llm.PlanTool, ToolCall: llm.ToolCall{ID: "t1", Name: "math.sum", Arguments: json.RawMessage(`{"a":1,"b":2}`)}},
		{Kind: llm.PlanText, Text: "the sum is 3"},
	}}
	reg := tools.NewRegistry()
	_ = reg.Register(tools.ToolSpec{Name: "math.sum", Permission: tools.PermissionRead, Handler: echoTool})
	o := orchestrator.New(brain, reg, newPolicy(map[string]bool{"math.sum": true}, true), approval.New(nil), bus.New(), nil, nil, nil, orchestrator.Config{})

	out, err := o.Run(context.Background(), orchestrator.Request{RunID: "r2", ChatID: "c1", Prompt: "sum 1 and 2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != orchestrator.StatusCompleted {
		t.Fatalf("status = %v, want completed", out.Status)
	}
	if !strings.Contains(out.OutputText, "3") {
		t.Fatalf("output = %q, want to contain 3", out.OutputText)
	}
}

func TestOrchestrator_S3_WriteToolWithApproval(t *testing.T) {
	brain := &scriptedBrain{script: []llm.PlanResult{
		{Kind: llm.PlanTool, ToolCall: llm.ToolCall{ID: "t1", Name: "email.send", Arguments: json.RawMessage(`{"to":"x"}`)}},
		{Kind: llm.PlanText, Text: "sent it"},
	}}
	reg := tools.NewRegistry()
	_ = reg.Register(tools.ToolSpec{Name: "email.send", Permission: tools.PermissionWrite, Handler: echoTool})
	broker := approval.New(nil)
	o := orchestrator.New(brain, reg, newPolicy(map[string]bool{"email.send": true}, true), broker, bus.New(), nil, nil, nil, orchestrator.Config{ApprovalTimeout: 2 * time.Second})

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if _, ok := broker.Get("r3"); ok {
				_ = broker.Grant("r3", "ops")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := o.Run(context.Background(), orchestrator.Request{RunID: "r3", ChatID: "c1", Prompt: "email someone"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != orchestrator.StatusCompleted {
		t.Fatalf("status = %v, want completed", out.Status)
	}
}

func TestOrchestrator_S4_ApprovalTimeout(t *testing.T) {
	brain := &scriptedBrain{script: []llm.PlanResult{
		{Kind: llm.PlanTool, ToolCall: llm.ToolCall{ID: "t1", Name: "email.send", Arguments: json.RawMessage(`{}`)}},
	}}
	reg := tools.NewRegistry()
	_ = reg.Register(tools.ToolSpec{Name: "email.send", Permission: tools.PermissionWrite, Handler: echoTool})
	broker := approval.New(nil)
	o := orchestrator.New(brain, reg, newPolicy(map[string]bool{"email.send": true}, true), broker, bus.New(), nil, nil, nil,
		orchestrator.Config{ApprovalTimeout: 100 * time.Millisecond})

	start := time.Now()
	out, err := o.Run(context.Background(), orchestrator.Request{RunID: "r4", ChatID: "c1", Prompt: "email someone"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != orchestrator.StatusFailed || out.ErrorKind != orchestrator.ErrorKindApprovalTimeout {
		t.Fatalf("outcome = %+v, want failed/approval_timeout", out)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("took %v, want well under 500ms", elapsed)
	}
}

func TestOrchestrator_S5_PolicyDeny(t *testing.T) {
	brain := &scriptedBrain{script: []llm.PlanResult{
		{Kind: llm.PlanTool, ToolCall: llm.ToolCall{ID: "t1", Name: "dangerous.drop", Arguments: json.RawMessage(`{}`)}},
	}}
	reg := tools.NewRegistry()
	_ = reg.Register(tools.ToolSpec{Name: "dangerous.drop", Permission: tools.PermissionWrite, Handler: echoTool})
	o := orchestrator.New(brain, reg, newPolicy(map[string]bool{}, true), approval.New(nil), bus.New(), nil, nil, nil, orchestrator.Config{})

	out, err := o.Run(context.Background(), orchestrator.Request{RunID: "r5", ChatID: "c1", Prompt: "drop everything"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != orchestrator.StatusCompleted {
		t.Fatalf("status = %v, want completed (via clarify)", out.Status)
	}
	if !strings.Contains(out.OutputText, "dangerous.drop") {
		t.Fatalf("clarification %q should mention the blocked tool", out.OutputText)
	}
}

func TestOrchestrator_S6_StepLimit(t *testing.T) {
	brain := &scriptedBrain{script: []llm.PlanResult{
		{Kind: llm.PlanTool, ToolCall: llm.ToolCall{ID: "t1", Name: "math.sum", Arguments: json.RawMessage(`{}`)}},
	}}
	reg := tools.NewRegistry()
	_ = reg.Register(tools.ToolSpec{Name: "math.sum", Permission: tools.PermissionRead, Handler: echoTool})
	o := orchestrator.New(brain, reg, newPolicy(map[string]bool{"math.sum": true}, true), approval.New(nil), bus.New(), nil, nil, nil,
		orchestrator.Config{MaxSteps: 2})

	out, err := o.Run(context.Background(), orchestrator.Request{RunID: "r6", ChatID: "c1", Prompt: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != orchestrator.StatusFailed || out.ErrorKind != orchestrator.ErrorKindStepLimit {
		t.Fatalf("outcome = %+v, want failed/step_limit", out)
	}
	if out.Steps != 2 {
		t.Fatalf("steps = %d, want 2", out.Steps)
	}
}

func TestOrchestrator_MultiToolCallDiscardsExtras(t *testing.T) {
	brain := &scriptedBrain{script: []llm.PlanResult{
		{Kind: llm.PlanTool, ToolCall: llm.ToolCall{ID: "t1", Name: "math.sum", Arguments: json.RawMessage(`{}`)}, DiscardedToolCalls: 2},
		{Kind: llm.PlanText, Text: "done"},
	}}
	reg := tools.NewRegistry()
	_ = reg.Register(tools.ToolSpec{Name: "math.sum", Permission: tools.PermissionRead, Handler: echoTool})
	o := orchestrator.New(brain, reg, newPolicy(map[string]bool{"math.sum": true}, true), approval.New(nil), bus.New(), nil, nil, nil, orchestrator.Config{})

	out, err := o.Run(context.Background(), orchestrator.Request{RunID: "r7", ChatID: "c1", Prompt: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != orchestrator.StatusCompleted {
		t.Fatalf("status = %v, want completed", out.Status)
	}
}
