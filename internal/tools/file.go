package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileReadSchema is the parameter_schema for file.read.
var FileReadSchema = json.RawMessage(`{
  "type": "object",
  "required": ["path"],
  "properties": {"path": {"type": "string", "minLength": 1}}
}`)

// FileWriteSchema is the parameter_schema for file.write.
var FileWriteSchema = json.RawMessage(`{
  "type": "object",
  "required": ["path", "content"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "content": {"type": "string"}
  }
}`)

type fileReadArgs struct {
	Path string `json:"path"`
}

type fileWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// resolveUnderRoot joins path under root and rejects any result that
// escapes root, so a "../../etc/passwd"-style argument cannot read or write
// outside the sandboxed workspace.
func resolveUnderRoot(root, path string) (string, error) {
	full := filepath.Join(root, path)
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", path)
	}
	return full, nil
}

// NewFileReadTool registers file.read, scoped to workspaceRoot.
func NewFileReadTool(workspaceRoot string) ToolSpec {
	return ToolSpec{
		Name:        "file.read",
		Description: "Read a file's contents from the agent's workspace.",
		Permission:  PermissionRead,
		Schema:      FileReadSchema,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args fileReadArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("file.read: %w", err)
			}
			full, err := resolveUnderRoot(workspaceRoot, args.Path)
			if err != nil {
				return nil, fmt.Errorf("file.read: %w", err)
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, fmt.Errorf("file.read: %w", err)
			}
			return json.Marshal(map[string]string{"content": string(data)})
		},
	}
}

// NewFileWriteTool registers file.write, scoped to workspaceRoot.
func NewFileWriteTool(workspaceRoot string) ToolSpec {
	return ToolSpec{
		Name:        "file.write",
		Description: "Write a file's contents into the agent's workspace.",
		Permission:  PermissionWrite,
		Schema:      FileWriteSchema,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args fileWriteArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("file.write: %w", err)
			}
			full, err := resolveUnderRoot(workspaceRoot, args.Path)
			if err != nil {
				return nil, fmt.Errorf("file.write: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return nil, fmt.Errorf("file.write: %w", err)
			}
			if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
				return nil, fmt.Errorf("file.write: %w", err)
			}
			return json.Marshal(map[string]bool{"ok": true})
		},
	}
}
