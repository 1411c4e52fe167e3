package gateway

import (
	"encoding/json"
	"time"
)

// Envelope is the single wire shape for every message the control plane
// exchanges with a connected operator or channel client: a request from the
// client, a response keyed to that request's ID, or a server-pushed event.
// Type carries one of the req:/res:/evt: prefixes below; ID correlates a
// res: to the req: that triggered it and is empty on evt: frames.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request/response type strings.
const (
	ReqHello           = "req:hello"
	ResHello           = "res:hello"
	ReqChannelsList    = "req:channels.list"
	ResChannelsList    = "res:channels.list"
	ReqChatList        = "req:chat.list"
	ResChatList        = "res:chat.list"
	ReqChatMessages    = "req:chat.messages"
	ResChatMessages    = "res:chat.messages"
	ReqAgentRun        = "req:agent.run"
	ResAgentRun        = "res:agent.run"
	ReqRunsTail        = "req:runs.tail"
	ResRunsTail        = "res:runs.tail"
	ReqConfigGet       = "req:config.get"
	ResConfigGet       = "res:config.get"
	ReqConfigSet       = "req:config.set"
	ResConfigSet       = "res:config.set"
	ReqApprovalGrant   = "req:approval.grant"
	ResApprovalGrant   = "res:approval.grant"
	ReqDoctorAudit     = "req:doctor.audit"
	ResDoctorAudit     = "res:doctor.audit"
	ResError           = "res:error"
)

// Event type strings, each carrying a monotonic Seq in its payload so a
// client can resume a runs.tail from where it left off.
const (
	EvtChannelStatus     = "evt:channel.status"
	EvtMessageInbound    = "evt:message.inbound"
	EvtRunProgress       = "evt:run.progress"
	EvtRunToolCall       = "evt:run.tool_call"
	EvtRunOutput         = "evt:run.output"
	EvtRunCompleted      = "evt:run.completed"
	EvtSecurityBlocked   = "evt:security.blocked"
	EvtApprovalRequired  = "evt:approval.required"
)

// ErrorKind values populate Envelope payloads of type res:error.
const (
	ErrorUnauthenticated = "unauthenticated"
	ErrorRateLimited     = "rate_limited"
	ErrorInvalidRequest  = "invalid_request"
	ErrorNotFound        = "not_found"
	ErrorPolicyDenied    = "policy_denied"
	ErrorToolMissing     = "tool_missing"
	ErrorLLMUnavailable  = "llm_unavailable"
	ErrorInternal        = "internal"
)

// ErrorPayload is the payload of a res:error envelope.
type ErrorPayload struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds, only for rate_limited
	Reason     string `json:"reason,omitempty"`      // only for policy_denied
}

// HelloRequest is req:hello's payload.
type HelloRequest struct {
	ClientKey string `json:"client_key"`
}

// HelloResponse is res:hello's payload.
type HelloResponse struct {
	Server     string   `json:"server"`
	Version    string   `json:"version"`
	InstanceID string   `json:"instance_id"`
	Features   []string `json:"features"`
}

// ChannelSummary is one entry of res:channels.list.
type ChannelSummary struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

type ChannelsListResponse struct {
	Channels []ChannelSummary `json:"channels"`
}

// ChatListRequest is req:chat.list's payload; ChannelID is optional.
type ChatListRequest struct {
	ChannelID string `json:"channel_id,omitempty"`
}

type ChatSummary struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatListResponse struct {
	Chats []ChatSummary `json:"chats"`
}

// ChatMessagesRequest is req:chat.messages's payload.
type ChatMessagesRequest struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
}

type MessageSummary struct {
	ID        int64     `json:"id"`
	Direction string    `json:"direction"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Ts        time.Time `json:"ts"`
}

type ChatMessagesResponse struct {
	Messages []MessageSummary `json:"messages"`
}

// AgentRunRequest is req:agent.run's payload.
type AgentRunRequest struct {
	ChatID      string `json:"chat_id"`
	ChannelID   string `json:"channel_id"`
	RequestedBy string `json:"requested_by"`
	Prompt      string `json:"prompt"`
}

type AgentRunResponse struct {
	RunID string `json:"run_id"`
}

// RunsTailRequest is req:runs.tail's payload: replay events with
// seq > AfterSeq for RunID, then keep streaming live ones as evt: frames
// until the connection closes or the run completes.
type RunsTailRequest struct {
	RunID    string `json:"run_id"`
	AfterSeq uint64 `json:"after_seq,omitempty"`
}

type RunsTailResponse struct {
	Subscribed bool `json:"subscribed"`
}

// ConfigGetResponse is req:config.get's payload: the live policy and tool
// catalog, enough for an operator client to render current admission rules.
type ConfigGetResponse struct {
	Policy json.RawMessage `json:"policy"`
	Tools  json.RawMessage `json:"tools"`
}

// ConfigSetRequest is req:config.set's payload: any subset of fields may be
// supplied; omitted fields leave the corresponding policy field untouched.
type ConfigSetRequest struct {
	ChannelAllowlist map[string][]string `json:"allowlist,omitempty"`
	ToolAllowlist    map[string]bool     `json:"tool_allow,omitempty"`
	DMPolicy         *string             `json:"dm_policy,omitempty"`
	GroupPolicy      *string             `json:"group_policy,omitempty"`
}

type ConfigSetResponse struct {
	Applied bool `json:"applied"`
}

// ApprovalGrantRequest is req:approval.grant's payload.
type ApprovalGrantRequest struct {
	RunID string `json:"run_id"`
}

type ApprovalGrantResponse struct {
	Granted bool `json:"granted"`
}

type Finding struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

type DoctorAuditResponse struct {
	Findings []Finding `json:"findings"`
}

// decodeEnvelope unmarshals payload into v, wrapping a failure as an
// invalid_request error the caller can fold straight into a res:error.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func encodePayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
