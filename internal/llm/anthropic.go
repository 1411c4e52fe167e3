package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when an AnthropicBrain is constructed without an
// explicit model override.
const DefaultModel = "claude-sonnet-4-20250514"

const defaultMaxTokens = 4096

// AnthropicBrain implements Brain against Anthropic's Messages API.
type AnthropicBrain struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// AnthropicConfig configures an AnthropicBrain.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewAnthropicBrain builds a Brain backed by the Anthropic SDK client.
func NewAnthropicBrain(cfg AnthropicConfig) (*AnthropicBrain, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicBrain{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Respond sends one non-streaming completion request and translates the
// response's content blocks into a tagged PlanResult. A tool_use block wins
// over any accompanying text, since the orchestrator treats a tool call as
// the step's outcome; a pure end_turn/stop_sequence response with no tool
// use yields PlanText; anything else (refusal, max_tokens cutoff with no
// usable content) yields PlanAbstain.
func (b *AnthropicBrain) Respond(ctx context.Context, req Request) (PlanResult, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return PlanResult{}, fmt.Errorf("llm: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens, b.maxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return PlanResult{}, fmt.Errorf("llm: convert tools: %w", err)
		}
		params.Tools = tools
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return PlanResult{}, err
	}
	return planFromMessage(msg), nil
}

func maxTokensOrDefault(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}

func convertMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case RoleSystem:
			// System messages are carried on Request.System, not inline.
			continue
		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	return out, nil
}

func convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tp.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", t.Name)
		}
		tp.OfTool.Description = anthropic.String(t.Description)
		out = append(out, tp)
	}
	return out, nil
}

func planFromMessage(msg *anthropic.Message) PlanResult {
	var text string
	var firstCall *ToolCall
	discarded := 0
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += variant.Text
		case anthropic.ToolUseBlock:
			if firstCall == nil {
				firstCall = &ToolCall{ID: variant.ID, Name: variant.Name, Arguments: variant.Input}
			} else {
				discarded++
			}
		}
	}
	if firstCall != nil {
		return PlanResult{Kind: PlanTool, ToolCall: *firstCall, DiscardedToolCalls: discarded}
	}
	if text != "" {
		return PlanResult{Kind: PlanText, Text: text}
	}
	return PlanResult{Kind: PlanAbstain, Reason: string(msg.StopReason)}
}
