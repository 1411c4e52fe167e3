package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// shellExecArgs is the parameter_schema-validated argument shape for
// shell.exec.
type shellExecArgs struct {
	Command string `json:"command"`
	WorkDir string `json:"work_dir"`
}

type shellExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ShellExecSchema is the parameter_schema for the shell.exec ToolSpec.
var ShellExecSchema = json.RawMessage(`{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "work_dir": {"type": "string"}
  }
}`)

// NewShellExecTool registers shell.exec against an ephemeral Docker
// sandbox: every invocation runs in its own container with no network
// access by default, so a misbehaving or malicious command cannot reach
// the host or the wider network.
func NewShellExecTool(sandbox *DockerSandbox) ToolSpec {
	return ToolSpec{
		Name:        "shell.exec",
		Description: "Run a shell command inside an isolated, no-network container.",
		Permission:  PermissionWrite,
		Schema:      ShellExecSchema,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args shellExecArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("shell.exec: %w", err)
			}
			stdout, stderr, exitCode, err := sandbox.Exec(ctx, args.Command, args.WorkDir)
			if err != nil {
				return nil, fmt.Errorf("shell.exec: %w", err)
			}
			return json.Marshal(shellExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode})
		},
	}
}
