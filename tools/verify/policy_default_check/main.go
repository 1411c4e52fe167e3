// Command policy_default_check confirms the gateway's policy engine is
// deny-by-default out of the box and that a bad reload leaves the
// previous live policy untouched.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/agentgw/internal/policy"
)

type stubTools map[string]string

func (s stubTools) Permission(name string) (string, bool) {
	perm, ok := s[name]
	return perm, ok
}

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "agentgw-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertFalse := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got {
			ok = false
		}
	}
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	tools := stubTools{"web.search": "read", "fs.write": "write"}
	assertFalse("default_allow_unlisted_read_tool", p.Evaluate("web.search", tools).Effect == policy.EffectAllow)
	assertFalse("default_allow_unlisted_write_tool", p.Evaluate("fs.write", tools).Effect == policy.EffectAllow)
	assertFalse("default_allow_dm", p.DefaultForChat(policy.ChatKindDirect))
	assertFalse("default_allow_group", p.DefaultForChat(policy.ChatKindGroup))
	assertFalse("default_allow_unknown_channel_sender", p.EvaluateInbound("telegram", "anyone").Allowed)

	dir, err := os.MkdirTemp("", "agentgw-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "channel_allowlist:\n  telegram:\n    - \"12345\"\ntool_allowlist:\n  web.search: true\nrequire_approval_for_write: true\ndm_policy: allow\ngroup_policy: deny\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial, policyPath)

	assertTrue("tool_allowed_after_load", live.Evaluate("web.search", tools).Effect == policy.EffectAllow)
	assertTrue("channel_sender_allowed_after_load", live.EvaluateInbound("telegram", "12345").Allowed)

	invalid := "dm_policy: sideways\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	assertTrue("retain_previous_tool_allow", live.Evaluate("web.search", tools).Effect == policy.EffectAllow)
	assertTrue("retain_previous_channel_allow", live.EvaluateInbound("telegram", "12345").Allowed)

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
