package main

import (
	"encoding/json"
	"testing"
)

func TestRequireNoError_PassesThroughOnSuccess(t *testing.T) {
	// Must not exit the process for a non-error envelope.
	requireNoError(envelope{Type: "res:hello", ID: "smoke-1"}, "req:hello")
}

func TestMustMarshalRoundTrips(t *testing.T) {
	raw := mustMarshal(map[string]string{"chat_id": "c1"})
	var out map[string]string
	mustUnmarshal(raw, &out)
	if out["chat_id"] != "c1" {
		t.Fatalf("expected chat_id c1, got %v", out)
	}
}

func TestWaitForRunCompleted_MatchesRunID(t *testing.T) {
	payload, err := json.Marshal(map[string]string{"run_id": "run-1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.RunID != "run-1" {
		t.Fatalf("expected run-1, got %q", out.RunID)
	}
}
