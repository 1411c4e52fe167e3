// Package policy implements the gateway's deny-by-default authorization
// layer: channel admission for inbound messages, and tool-call evaluation
// (allow / deny / approval-required) for every run.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ChatKind distinguishes a direct conversation from a group one, for the
// dm_policy / group_policy defaults.
type ChatKind int

const (
	ChatKindDirect ChatKind = iota
	ChatKindGroup
)

// Effect is the outcome of a policy check.
type Effect int

const (
	EffectDeny Effect = iota
	EffectAllow
	EffectApprovalRequired
)

// Decision is the result of evaluating a tool call.
type Decision struct {
	Effect Effect
	Reason string // populated when Effect == EffectDeny
}

func allow() Decision             { return Decision{Effect: EffectAllow} }
func approvalRequired() Decision  { return Decision{Effect: EffectApprovalRequired} }
func deny(reason string) Decision { return Decision{Effect: EffectDeny, Reason: reason} }

// InboundDecision is the result of evaluating an inbound message against the
// channel allowlist.
type InboundDecision struct {
	Allowed bool
	Reason  string // populated when Allowed is false
}

// Default policy decisions for deny reasons, named per the wire protocol.
const (
	ReasonToolNotAllowlisted = "tool_not_allowlisted"
	ReasonToolMissing        = "tool_missing"
	ReasonChannelUnknown     = "channel_unknown"
	ReasonSenderNotAllowed   = "sender_not_allowlisted"
)

// ToolLookup is the subset of the tool registry the policy engine needs to
// check a tool's declared permission. Kept as an interface so the policy
// package never imports the tool registry (the registry imports policy to
// gate registration of write tools, not the other way around).
type ToolLookup interface {
	// Permission returns the tool's declared permission ("read" or "write")
	// and whether the tool is registered at all.
	Permission(toolName string) (permission string, found bool)
}

// Policy is the serializable policy data.
type Policy struct {
	ChannelAllowlist        map[string][]string `yaml:"channel_allowlist"`
	ToolAllowlist           map[string]bool     `yaml:"tool_allowlist"`
	RequireApprovalForWrite bool                `yaml:"require_approval_for_write"`
	DMPolicy                string              `yaml:"dm_policy"`    // "allow" | "deny"
	GroupPolicy             string              `yaml:"group_policy"` // "allow" | "deny"
}

// Default returns a conservative, deny-by-default policy: no channels
// allowlisted, no tools allowlisted, write tools require approval.
func Default() Policy {
	return Policy{
		ChannelAllowlist:        map[string][]string{},
		ToolAllowlist:           map[string]bool{},
		RequireApprovalForWrite: true,
		DMPolicy:                "deny",
		GroupPolicy:             "deny",
	}
}

// Load reads and parses a policy file. A missing file yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.DMPolicy)) {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("invalid dm_policy %q", p.DMPolicy)
	}
	switch strings.ToLower(strings.TrimSpace(p.GroupPolicy)) {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("invalid group_policy %q", p.GroupPolicy)
	}
	return nil
}

// Evaluate implements the 4-step tool-call evaluation order: tool must be
// allowlisted, must be registered, write tools requiring approval return
// EffectApprovalRequired, everything else is allowed.
func (p Policy) Evaluate(toolName string, tools ToolLookup) Decision {
	allowed, ok := p.ToolAllowlist[toolName]
	if !ok || !allowed {
		return deny(ReasonToolNotAllowlisted)
	}
	permission, found := tools.Permission(toolName)
	if !found {
		return deny(ReasonToolMissing)
	}
	if permission == "write" && p.RequireApprovalForWrite {
		return approvalRequired()
	}
	return allow()
}

// EvaluateInbound checks a channel/sender pair against the channel
// allowlist. An empty allowlist entry for a channel denies every sender on
// that channel.
func (p Policy) EvaluateInbound(channelID, senderID string) InboundDecision {
	senders, known := p.ChannelAllowlist[channelID]
	if !known {
		return InboundDecision{Allowed: false, Reason: ReasonChannelUnknown}
	}
	for _, s := range senders {
		if s == senderID {
			return InboundDecision{Allowed: true}
		}
	}
	return InboundDecision{Allowed: false, Reason: ReasonSenderNotAllowed}
}

// DefaultForChat returns the dm_policy/group_policy default for a chat kind,
// used when no explicit rule governs an action in that chat.
func (p Policy) DefaultForChat(kind ChatKind) bool {
	setting := p.DMPolicy
	if kind == ChatKindGroup {
		setting = p.GroupPolicy
	}
	return strings.EqualFold(strings.TrimSpace(setting), "allow")
}

// LivePolicy wraps a Policy with thread-safe mutation, hot reload and
// optional file persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Evaluate is the thread-safe tool-call check used at runtime.
func (lp *LivePolicy) Evaluate(toolName string, tools ToolLookup) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Evaluate(toolName, tools)
}

// AllowTool reports whether a tool name is allowlisted, without consulting a
// tool registry. Used by low-level host integrations (e.g. the WASM host's
// own privileged functions) that are not themselves ToolSpecs.
func (lp *LivePolicy) AllowTool(toolName string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ToolAllowlist[toolName]
}

// EvaluateInbound is the thread-safe channel admission check used at runtime.
func (lp *LivePolicy) EvaluateInbound(channelID, senderID string) InboundDecision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.EvaluateInbound(channelID, senderID)
}

// DefaultForChat is the thread-safe dm/group default lookup.
func (lp *LivePolicy) DefaultForChat(kind ChatKind) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.DefaultForChat(kind)
}

// PolicyVersion returns a stable fingerprint of the current policy data,
// used by clients to detect that a reload has taken effect.
func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Snapshot returns a deep copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.ChannelAllowlist = make(map[string][]string, len(lp.data.ChannelAllowlist))
	for k, v := range lp.data.ChannelAllowlist {
		cp.ChannelAllowlist[k] = append([]string(nil), v...)
	}
	cp.ToolAllowlist = make(map[string]bool, len(lp.data.ToolAllowlist))
	for k, v := range lp.data.ToolAllowlist {
		cp.ToolAllowlist[k] = v
	}
	return cp
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

// SetChannelAllowlist grants a sender on a channel at runtime and persists
// the change.
func (lp *LivePolicy) SetChannelAllowlist(channelID string, senderIDs []string) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.ChannelAllowlist == nil {
		lp.data.ChannelAllowlist = map[string][]string{}
	}
	lp.data.ChannelAllowlist[channelID] = append([]string(nil), senderIDs...)
	return lp.persist()
}

// SetToolAllowed toggles a tool's allowlist entry at runtime and persists
// the change.
func (lp *LivePolicy) SetToolAllowed(toolName string, allowed bool) error {
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return fmt.Errorf("empty tool name")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.ToolAllowlist == nil {
		lp.data.ToolAllowlist = map[string]bool{}
	}
	lp.data.ToolAllowlist[toolName] = allowed
	return lp.persist()
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	writeSorted := func(keys []string) {
		for _, k := range keys {
			_, _ = h.Write([]byte(k + "|"))
		}
	}
	channels := make([]string, 0, len(p.ChannelAllowlist))
	for k := range p.ChannelAllowlist {
		channels = append(channels, k)
	}
	sortStrings(channels)
	for _, ch := range channels {
		writeSorted([]string{ch})
		senders := append([]string(nil), p.ChannelAllowlist[ch]...)
		sortStrings(senders)
		writeSorted(senders)
	}
	tools := make([]string, 0, len(p.ToolAllowlist))
	for k := range p.ToolAllowlist {
		tools = append(tools, k)
	}
	sortStrings(tools)
	for _, t := range tools {
		_, _ = h.Write([]byte(t + "=" + strconv.FormatBool(p.ToolAllowlist[t]) + "|"))
	}
	_, _ = h.Write([]byte("require_approval_for_write=" + strconv.FormatBool(p.RequireApprovalForWrite) + "|"))
	_, _ = h.Write([]byte("dm_policy=" + p.DMPolicy + "|group_policy=" + p.GroupPolicy + "|"))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
