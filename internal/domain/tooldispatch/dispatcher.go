// Package tooldispatch implements ToolDispatcher (spec §4.5): concurrent
// execution of one assistant turn's tool calls, rendezvous in original
// index order, and sensitive-field redaction. Grounded on the teacher's
// agent_loop.go concurrent tool-execution section (semaphore + pre-sized
// results slice processed in index order) and domain/tool.Registry.
package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"github.com/wangrenren611/coding-agent-sub001/pkg/safego"
	"go.uber.org/zap"
)

// sensitiveFields are redacted case-insensitively at any nesting depth.
var sensitiveFields = map[string]bool{
	"password":      true,
	"token":         true,
	"secret":        true,
	"apikey":        true,
	"api_key":       true,
	"authorization": true,
}

const redacted = "[REDACTED]"

// DispatchContext carries the caller's session isolation data (spec §5:
// "tool calls belonging to Agent X must carry session_id X throughout").
type DispatchContext struct {
	SessionID        string
	WorkingDirectory string
}

// Outcome is one tool's execution result, in the shape spec §4.5 requires
// before redaction/serialization.
type Outcome struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Warning  bool           `json:"warning,omitempty"`
}

// ResultEvent is what the dispatcher reports to the caller's observation
// stream for one finished tool call (already redacted).
type ResultEvent struct {
	ToolCallID string
	Name       string
	Outcome    Outcome
	Duration   time.Duration
}

// Dispatcher executes one assistant turn's tool calls.
type Dispatcher struct {
	registry    domaintool.Registry
	maxParallel int
	toolTimeout time.Duration
	policy      *domaintool.Policy
	logger      *zap.Logger
}

// New creates a Dispatcher. policy may be nil, meaning every registered
// tool is allowed.
func New(registry domaintool.Registry, maxParallel int, toolTimeout time.Duration, policy *domaintool.Policy, logger *zap.Logger) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Dispatcher{registry: registry, maxParallel: maxParallel, toolTimeout: toolTimeout, policy: policy, logger: logger}
}

// Dispatch runs every tool call concurrently (bounded by maxParallel),
// rendezvous-ing results in the original tool_calls index order, and
// returns the resulting tool-result Messages in that same order (ready to
// be appended to a Session) plus the (already redacted) ResultEvents for
// the observation stream.
func (d *Dispatcher) Dispatch(ctx context.Context, dctx DispatchContext, toolCalls []session.ToolCall) ([]session.Message, []ResultEvent) {
	n := len(toolCalls)
	outcomes := make([]Outcome, n)
	durations := make([]time.Duration, n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.maxParallel)

	for i, tc := range toolCalls {
		wg.Add(1)
		idx, call := i, tc
		safego.Go(d.logger, fmt.Sprintf("tooldispatch:%s", call.Function.Name), func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[idx] = Outcome{Success: false, Error: "context cancelled"}
				return
			}
			start := time.Now()
			outcomes[idx] = d.execOne(ctx, dctx, call)
			durations[idx] = time.Since(start)
		})
	}
	wg.Wait()

	messages := make([]session.Message, 0, n)
	events := make([]ResultEvent, 0, n)
	for i, tc := range toolCalls {
		redactedOutcome := redactOutcome(outcomes[i])
		content, _ := json.Marshal(redactedOutcome)
		messages = append(messages, session.NewToolMessage(tc.ID, string(content)))
		events = append(events, ResultEvent{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Outcome:    redactedOutcome,
			Duration:   durations[i],
		})
	}
	return messages, events
}

func (d *Dispatcher) execOne(ctx context.Context, dctx DispatchContext, call session.ToolCall) Outcome {
	if d.policy != nil && !d.policy.IsAllowed(call.Function.Name) {
		d.logger.Warn("tooldispatch: tool denied by policy", zap.String("tool", call.Function.Name), zap.String("session_id", dctx.SessionID))
		return Outcome{Success: false, Error: fmt.Sprintf("tool %q is not allowed by current policy", call.Function.Name), Warning: true}
	}

	tool, ok := d.registry.Get(call.Function.Name)
	if !ok {
		d.logger.Warn("tooldispatch: unknown tool", zap.String("tool", call.Function.Name), zap.String("session_id", dctx.SessionID))
		return Outcome{Success: false, Error: "unknown tool", Warning: true}
	}

	var args map[string]interface{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return Outcome{Success: false, Error: fmt.Sprintf("invalid arguments JSON: %v", err)}
		}
	}

	toolCtx := ctx
	if d.toolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, d.toolTimeout)
		defer cancel()
	}

	result, err := tool.Execute(toolCtx, args)
	if err != nil {
		if toolCtx.Err() != nil {
			return Outcome{Success: false, Error: "timeout"}
		}
		return Outcome{Success: false, Error: err.Error()}
	}

	out := Outcome{Success: result.Success, Output: result.Output, Metadata: result.Metadata}
	if !result.Success {
		errText := result.Error
		if errText == "" {
			errText = result.Output
		}
		if result.Metadata != nil {
			if ec, ok := result.Metadata["exit_code"].(int); ok {
				errText = fmt.Sprintf("%s (exit %d: %s)", errText, ec, exitCodeHint(ec))
			}
		}
		out.Error = errText
	}
	return out
}

// exitCodeHint gives a short, user-facing explanation of a process exit code.
// Grounded on the teacher's exitCodeHint (internal/domain/service/agent_loop.go),
// translated to English since tool-result text is user-visible here rather
// than the teacher's Telegram-bot-facing Chinese UI strings.
func exitCodeHint(code int) string {
	switch code {
	case 0:
		return "success"
	case 1:
		return "general error — check command arguments or file paths"
	case 2:
		return "argument error — invalid command syntax"
	case 124:
		return "timed out — command did not finish in time, possibly a hung network call"
	case 126:
		return "permission denied — file not executable"
	case 127:
		return "command not found — check the command name or PATH"
	case 130:
		return "interrupted (Ctrl+C)"
	case 137:
		return "killed by SIGKILL — possibly out of memory"
	case 139:
		return "segmentation fault"
	case 143:
		return "terminated by SIGTERM"
	default:
		if code > 128 {
			return fmt.Sprintf("terminated by signal %d", code-128)
		}
		return "unknown error"
	}
}

// redactOutcome replaces any sensitive-field value, at any nesting depth,
// with the literal "[REDACTED]" (spec §4.5 / S7).
func redactOutcome(o Outcome) Outcome {
	o.Metadata = redactMap(o.Metadata).(map[string]any)
	return o
}

func redactMap(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveFields[strings.ToLower(k)] {
				out[k] = redacted
			} else {
				out[k] = redactMap(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactMap(val)
		}
		return out
	default:
		return v
	}
}

// RedactJSONString redacts sensitive fields within a JSON-object string,
// used when a tool's raw Output itself is a JSON object that must be
// redacted before being emitted to the UI event.
func RedactJSONString(raw string) string {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	redacted := redactMap(v).(map[string]any)
	out, err := json.Marshal(redacted)
	if err != nil {
		return raw
	}
	return string(out)
}
