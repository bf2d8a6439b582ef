package tool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"go.uber.org/zap"
)

// Result 类型别名
type Result = domaintool.Result

// Kind 类型别名
type Kind = domaintool.Kind

const defaultToolTimeout = 30 * time.Second

// BashTool executes a shell command directly (no sandbox layer — the agent
// loop's ToolDispatcher is the only thing standing between a tool call and
// this host, same as the teacher's unsandboxed fallback path).
type BashTool struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewBashTool creates the bash tool.
func NewBashTool(timeout time.Duration, logger *zap.Logger) *BashTool {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &BashTool{timeout: timeout, logger: logger}
}

func (t *BashTool) Name() string              { return "bash" }
func (t *BashTool) Kind() domaintool.Kind     { return domaintool.KindExecute }
func (t *BashTool) Description() string {
	return `Execute a shell command. Commands have a timeout; exit code -1 means TIMEOUT.
Prefer simple, targeted commands over complex pipelines.`
}

func (t *BashTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"work_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return &Result{Success: false, Error: "command is required"}, fmt.Errorf("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if wd, ok := args["work_dir"].(string); ok && wd != "" {
		cmd.Dir = wd
	}

	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	exitCode := 0
	if ctx.Err() == context.DeadlineExceeded {
		exitCode = -1
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	output := out.String()
	return &Result{
		Output:   output,
		Success:  exitCode == 0,
		Metadata: map[string]interface{}{"exit_code": exitCode},
	}, nil
}

// ReadFileTool reads a file, optionally restricted to a line range.
type ReadFileTool struct {
	logger *zap.Logger
}

func NewReadFileTool(logger *zap.Logger) *ReadFileTool { return &ReadFileTool{logger: logger} }

func (t *ReadFileTool) Name() string          { return "read_file" }
func (t *ReadFileTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Use this to examine source code, configuration, and other text content."
}

func (t *ReadFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":       map[string]interface{}{"type": "string", "description": "The path to the file to read"},
			"start_line": map[string]interface{}{"type": "integer", "description": "Optional starting line number (1-indexed)"},
			"end_line":   map[string]interface{}{"type": "integer", "description": "Optional ending line number (1-indexed)"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return &Result{Success: false, Error: "path is required"}, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	lines := strings.Split(string(data), "\n")

	startLine, hasStart := args["start_line"].(float64)
	endLine, hasEnd := args["end_line"].(float64)
	start, end := 0, len(lines)
	if hasStart {
		start = max(0, int(startLine)-1)
	}
	if hasEnd {
		end = min(len(lines), int(endLine))
	}
	if start > end {
		start = end
	}

	return &Result{
		Output:   strings.Join(lines[start:end], "\n"),
		Success:  true,
		Metadata: map[string]interface{}{"path": path},
	}, nil
}

// WriteFileTool writes (overwrites) a file, creating parent directories as needed.
type WriteFileTool struct {
	logger *zap.Logger
}

func NewWriteFileTool(logger *zap.Logger) *WriteFileTool { return &WriteFileTool{logger: logger} }

func (t *WriteFileTool) Name() string          { return "write_file" }
func (t *WriteFileTool) Kind() domaintool.Kind { return domaintool.KindEdit }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, overwriting it if it exists and creating parent directories as needed."
}

func (t *WriteFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "The path to write to"},
			"content": map[string]interface{}{"type": "string", "description": "The content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return &Result{Success: false, Error: "path is required"}, fmt.Errorf("path is required")
	}
	content, _ := args["content"].(string)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Result{Success: false, Error: err.Error()}, nil
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	return &Result{
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Success:  true,
		Metadata: map[string]interface{}{"path": path, "bytes": len(content)},
	}, nil
}

// ListDirTool lists the entries of a directory.
type ListDirTool struct {
	logger *zap.Logger
}

func NewListDirTool(logger *zap.Logger) *ListDirTool { return &ListDirTool{logger: logger} }

func (t *ListDirTool) Name() string          { return "list_dir" }
func (t *ListDirTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (t *ListDirTool) Description() string   { return "List the entries of a directory." }

func (t *ListDirTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Directory to list (defaults to cwd)"},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	var sb strings.Builder
	w := bufio.NewWriter(&sb)
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(w, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(w, "%s\n", e.Name())
		}
	}
	w.Flush()

	return &Result{
		Output:   sb.String(),
		Success:  true,
		Metadata: map[string]interface{}{"path": path, "count": len(entries)},
	}, nil
}

// SearchTool greps a directory tree for a pattern.
type SearchTool struct {
	timeout time.Duration
	logger  *zap.Logger
}

func NewSearchTool(timeout time.Duration, logger *zap.Logger) *SearchTool {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &SearchTool{timeout: timeout, logger: logger}
}

func (t *SearchTool) Name() string          { return "search" }
func (t *SearchTool) Kind() domaintool.Kind { return domaintool.KindSearch }
func (t *SearchTool) Description() string   { return "Search for a regex pattern across files under a path." }

func (t *SearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string", "description": "Regex pattern to search for"},
			"path":    map[string]interface{}{"type": "string", "description": "Path to search (defaults to cwd)"},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	pattern, ok := args["pattern"].(string)
	if !ok || pattern == "" {
		return &Result{Success: false, Error: "pattern is required"}, fmt.Errorf("pattern is required")
	}
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "grep", "-rn", "-E", pattern, path)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		// grep exits 1 with no output when nothing matches — not a tool failure.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return &Result{Output: "", Success: true, Metadata: map[string]interface{}{"matches": 0}}, nil
		}
		return &Result{Success: false, Error: err.Error()}, nil
	}

	return &Result{Output: string(out), Success: true}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
