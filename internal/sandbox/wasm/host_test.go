package wasm_test

import (
	"context"
	"testing"

	"github.com/basket/agentgw/internal/sandbox/wasm"
)

// sumModuleWASM is the same hand-assembled module tools.mathSumWASM embeds,
// duplicated here so this package's tests don't need to import internal/tools
// (which would create an import cycle: tools already imports wasm).
var sumModuleWASM = []byte{
	0x00, 0x61, 0x73, 0x6d,
	0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x73, 0x75, 0x6d, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func TestHost_LoadAndInvokeExport(t *testing.T) {
	ctx := context.Background()
	host, err := wasm.NewHost(ctx, wasm.Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close(ctx)

	if err := host.LoadModuleFromBytes(ctx, "mathsum", sumModuleWASM, "embedded:mathsum.wasm"); err != nil {
		t.Fatalf("LoadModuleFromBytes: %v", err)
	}
	if !host.HasModule("mathsum") {
		t.Fatal("expected module \"mathsum\" to be loaded")
	}

	results, err := host.InvokeExport(ctx, "mathsum", "sum", 2, 40)
	if err != nil {
		t.Fatalf("InvokeExport: %v", err)
	}
	if len(results) != 1 || results[0] != 42 {
		t.Fatalf("InvokeExport results = %v, want [42]", results)
	}
}

func TestHost_InvokeExport_ModuleNotFound(t *testing.T) {
	ctx := context.Background()
	host, err := wasm.NewHost(ctx, wasm.Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close(ctx)

	if _, err := host.InvokeExport(ctx, "missing", "sum", 1, 2); err == nil {
		t.Fatal("expected error invoking export on unloaded module")
	}
}

func TestHost_InvokeExport_NoSuchExport(t *testing.T) {
	ctx := context.Background()
	host, err := wasm.NewHost(ctx, wasm.Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer host.Close(ctx)

	if err := host.LoadModuleFromBytes(ctx, "mathsum", sumModuleWASM, "embedded:mathsum.wasm"); err != nil {
		t.Fatalf("LoadModuleFromBytes: %v", err)
	}
	if _, err := host.InvokeExport(ctx, "mathsum", "nope", 1, 2); err == nil {
		t.Fatal("expected error invoking a nonexistent export")
	}
}
