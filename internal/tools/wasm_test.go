package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/agentgw/internal/sandbox/wasm"
	"github.com/basket/agentgw/internal/tools"
)

func TestMathSumTool_EndToEnd(t *testing.T) {
	ctx := context.Background()
	host, err := wasm.NewHost(ctx, wasm.Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close(ctx)

	if err := tools.LoadMathSumModule(ctx, host); err != nil {
		t.Fatalf("LoadMathSumModule: %v", err)
	}

	reg := tools.NewRegistry()
	if err := reg.Register(tools.NewMathSumTool(host)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := reg.Invoke(ctx, "math.sum", json.RawMessage(`{"a":19,"b":23}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var result struct {
		Sum int32 `json:"sum"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Sum != 42 {
		t.Fatalf("sum = %d, want 42", result.Sum)
	}
}
