package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/agentgw/internal/sandbox/wasm"
)

// MathSumModuleName is the module name math.sum loads its export under.
const MathSumModuleName = "mathsum"

// mathSumWASM is a hand-assembled WebAssembly binary (no compiler
// involved) exporting a single function, "sum", equivalent to:
//
//	(module
//	  (type (func (param i32 i32) (result i32)))
//	  (func (export "sum") (param i32 i32) (result i32)
//	    local.get 0
//	    local.get 1
//	    i32.add))
//
// It exists so math.sum has a real wazero-executed body instead of a
// Go closure pretending to be sandboxed.
var mathSumWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic "\0asm"
	0x01, 0x00, 0x00, 0x00, // version 1

	// type section: one functype (i32, i32) -> (i32)
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,

	// function section: one function of type 0
	0x03, 0x02, 0x01, 0x00,

	// export section: export func 0 as "sum"
	0x07, 0x07, 0x01, 0x03, 0x73, 0x75, 0x6d, 0x00, 0x00,

	// code section: one body — local.get 0; local.get 1; i32.add; end
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

type mathSumArgs struct {
	A int32 `json:"a"`
	B int32 `json:"b"`
}

// MathSumSchema is the parameter_schema for the math.sum ToolSpec.
var MathSumSchema = json.RawMessage(`{
  "type": "object",
  "required": ["a", "b"],
  "properties": {
    "a": {"type": "integer"},
    "b": {"type": "integer"}
  }
}`)

// LoadMathSumModule compiles and instantiates the embedded sum module into
// host. Call once at startup before registering NewMathSumTool.
func LoadMathSumModule(ctx context.Context, host *wasm.Host) error {
	return host.LoadModuleFromBytes(ctx, MathSumModuleName, mathSumWASM, "embedded:mathsum.wasm")
}

// NewMathSumTool registers math.sum, a read-permission pure-compute tool
// executed inside the wazero sandbox rather than as native Go, so a future
// WASM tool with a real third-party module slots into the same registry
// entry point.
func NewMathSumTool(host *wasm.Host) ToolSpec {
	return ToolSpec{
		Name:        "math.sum",
		Description: "Add two integers inside the WASM sandbox.",
		Permission:  PermissionRead,
		Schema:      MathSumSchema,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args mathSumArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("math.sum: %w", err)
			}
			results, err := host.InvokeExport(ctx, MathSumModuleName, "sum", uint64(uint32(args.A)), uint64(uint32(args.B)))
			if err != nil {
				return nil, fmt.Errorf("math.sum: %w", err)
			}
			if len(results) != 1 {
				return nil, fmt.Errorf("math.sum: unexpected result count %d", len(results))
			}
			return json.Marshal(map[string]int32{"sum": int32(uint32(results[0]))})
		},
	}
}
