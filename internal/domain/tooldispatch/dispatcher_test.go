package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"go.uber.org/zap"
)

// fakeTool returns a fixed Result, optionally sleeping to exercise ordering
// under out-of-order completion.
type fakeTool struct {
	name   string
	kind   domaintool.Kind
	delay  time.Duration
	result *domaintool.Result
	err    error
}

func (f *fakeTool) Name() string                        { return f.name }
func (f *fakeTool) Description() string                 { return "fake" }
func (f *fakeTool) Kind() domaintool.Kind                { return f.kind }
func (f *fakeTool) Schema() map[string]interface{}       { return map[string]interface{}{} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newRegistry(tools ...*fakeTool) domaintool.Registry {
	r := domaintool.NewInMemoryRegistry()
	for _, t := range tools {
		_ = r.Register(t)
	}
	return r
}

func toolCall(id, name, args string, idx int) session.ToolCall {
	return session.ToolCall{
		ID:    id,
		Type:  "function",
		Index: idx,
		Function: session.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestDispatch_RedactsSensitiveFieldsAtAnyDepth(t *testing.T) {
	sensitive := &fakeTool{
		name: "whoami",
		kind: domaintool.KindRead,
		result: &domaintool.Result{
			Success: true,
			Output:  "safe",
			Metadata: map[string]interface{}{
				"password":      "pwd",
				"token":         "tok",
				"secret":        "sec",
				"apiKey":        "a1",
				"api_key":       "a2",
				"authorization": "auth",
				"nested": map[string]interface{}{
					"Secret": "nested-secret",
				},
			},
		},
	}
	registry := newRegistry(sensitive)
	d := New(registry, 4, 0, nil, zap.NewNop())

	calls := []session.ToolCall{toolCall("call_1", "whoami", "{}", 0)}
	messages, events := d.Dispatch(context.Background(), DispatchContext{SessionID: "s1"}, calls)

	if len(messages) != 1 || len(events) != 1 {
		t.Fatalf("expected 1 message and 1 event, got %d %d", len(messages), len(events))
	}

	var decoded Outcome
	if err := json.Unmarshal([]byte(messages[0].Content), &decoded); err != nil {
		t.Fatalf("expected tool message content to be valid JSON: %v", err)
	}
	if decoded.Output != "safe" {
		t.Fatalf("expected output preserved, got %q", decoded.Output)
	}
	for _, key := range []string{"password", "token", "secret", "apiKey", "api_key", "authorization"} {
		if decoded.Metadata[key] != redacted {
			t.Fatalf("expected %s redacted, got %v", key, decoded.Metadata[key])
		}
	}
	nested, ok := decoded.Metadata["nested"].(map[string]interface{})
	if !ok || nested["Secret"] != redacted {
		t.Fatalf("expected nested secret redacted, got %v", decoded.Metadata["nested"])
	}

	ev := events[0]
	if ev.Outcome.Metadata["password"] != redacted {
		t.Fatalf("expected event outcome redacted too, got %v", ev.Outcome.Metadata["password"])
	}
	if ev.Outcome.Output != "safe" {
		t.Fatalf("expected event output preserved, got %q", ev.Outcome.Output)
	}
}

func TestDispatch_UnknownToolReturnsWarning(t *testing.T) {
	registry := newRegistry()
	d := New(registry, 4, 0, nil, zap.NewNop())

	calls := []session.ToolCall{toolCall("call_1", "does_not_exist", "{}", 0)}
	messages, events := d.Dispatch(context.Background(), DispatchContext{SessionID: "s1"}, calls)

	var decoded Outcome
	_ = json.Unmarshal([]byte(messages[0].Content), &decoded)
	if decoded.Success || decoded.Error != "unknown tool" || !decoded.Warning {
		t.Fatalf("expected unknown-tool warning outcome, got %+v", decoded)
	}
	if events[0].Outcome.Error != "unknown tool" {
		t.Fatalf("expected event to carry unknown tool error, got %+v", events[0])
	}
}

func TestDispatch_PerToolTimeoutReportsTimeoutError(t *testing.T) {
	slow := &fakeTool{name: "slow", kind: domaintool.KindExecute, delay: 50 * time.Millisecond, result: &domaintool.Result{Success: true}}
	registry := newRegistry(slow)
	d := New(registry, 4, 5*time.Millisecond, nil, zap.NewNop())

	calls := []session.ToolCall{toolCall("call_1", "slow", "{}", 0)}
	messages, _ := d.Dispatch(context.Background(), DispatchContext{SessionID: "s1"}, calls)

	var decoded Outcome
	_ = json.Unmarshal([]byte(messages[0].Content), &decoded)
	if decoded.Success || decoded.Error != "timeout" {
		t.Fatalf("expected timeout outcome, got %+v", decoded)
	}
}

func TestDispatch_PreservesOriginalIndexOrderRegardlessOfCompletionOrder(t *testing.T) {
	fast := &fakeTool{name: "fast", kind: domaintool.KindRead, result: &domaintool.Result{Success: true, Output: "fast-done"}}
	slow := &fakeTool{name: "slow", kind: domaintool.KindRead, delay: 30 * time.Millisecond, result: &domaintool.Result{Success: true, Output: "slow-done"}}
	registry := newRegistry(fast, slow)
	d := New(registry, 4, 0, nil, zap.NewNop())

	calls := []session.ToolCall{
		toolCall("call_slow", "slow", "{}", 0),
		toolCall("call_fast", "fast", "{}", 1),
	}
	messages, events := d.Dispatch(context.Background(), DispatchContext{SessionID: "s1"}, calls)

	if messages[0].ToolCallID != "call_slow" || messages[1].ToolCallID != "call_fast" {
		t.Fatalf("expected results in original tool_calls order, got %v", messages)
	}
	if events[0].ToolCallID != "call_slow" || events[1].ToolCallID != "call_fast" {
		t.Fatalf("expected events in original tool_calls order, got %v", events)
	}
}

func TestDispatch_InvalidArgumentsJSONIsAFailureNotAPanic(t *testing.T) {
	echoTool := &fakeTool{name: "echo", kind: domaintool.KindRead, result: &domaintool.Result{Success: true}}
	registry := newRegistry(echoTool)
	d := New(registry, 4, 0, nil, zap.NewNop())

	calls := []session.ToolCall{toolCall("call_1", "echo", "{not json", 0)}
	messages, _ := d.Dispatch(context.Background(), DispatchContext{SessionID: "s1"}, calls)

	var decoded Outcome
	_ = json.Unmarshal([]byte(messages[0].Content), &decoded)
	if decoded.Success {
		t.Fatalf("expected failure for invalid arguments JSON, got %+v", decoded)
	}
}

func TestRedactJSONString(t *testing.T) {
	raw := fmt.Sprintf(`{"password":"p","output":"ok"}`)
	out := RedactJSONString(raw)
	var v map[string]interface{}
	_ = json.Unmarshal([]byte(out), &v)
	if v["password"] != redacted || v["output"] != "ok" {
		t.Fatalf("unexpected redaction result: %v", v)
	}
}
