// Package llm wraps the configured LLM provider behind a small, gateway-
// specific interface: a Brain turns an orchestrator step's context into a
// tagged PlanResult (respond with text, call a tool, or abstain), guarded by
// a CircuitBreaker so a run of provider failures degrades the gateway
// instead of hanging every in-flight run.
package llm

import (
	"context"
)

// Role is a message role in the conversation sent to the provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation passed to a Brain.
type Message struct {
	Role       Role
	Content    string
	ToolName   string // set when Role == RoleTool
	ToolCallID string // set when Role == RoleTool, echoes the originating tool_use id
}

// ToolDef describes a tool the Brain may choose to call, in provider-neutral
// form (name, description, JSON Schema for arguments).
type ToolDef struct {
	Name        string
	Description string
	Schema      []byte // JSON Schema document
}

// Request is one orchestrator step's call into the Brain.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// PlanKind tags the shape of a PlanResult.
type PlanKind string

const (
	PlanText    PlanKind = "text"
	PlanTool    PlanKind = "tool"
	PlanAbstain PlanKind = "abstain"
)

// ToolCall is the tool the model chose to invoke, with its arguments as raw
// JSON ready for schema validation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments []byte
}

// PlanResult is the orchestrator-facing response from a Brain: exactly one
// of Text or ToolCall is populated, selected by Kind. Abstain means the
// model declined to produce either (e.g. it hit a refusal or stop-reason the
// gateway should surface as a run failure rather than retry).
type PlanResult struct {
	Kind     PlanKind
	Text     string
	ToolCall ToolCall
	Reason   string // populated when Kind == PlanAbstain

	// DiscardedToolCalls counts additional tool_use blocks the provider
	// returned in the same turn beyond the first, which the orchestrator
	// discards under its take-first-call tie-break.
	DiscardedToolCalls int
}

// Brain is the gateway's provider-neutral view of an LLM: given a step's
// context, produce one PlanResult.
type Brain interface {
	Respond(ctx context.Context, req Request) (PlanResult, error)
}
