package agentloop

import (
	"context"
	"testing"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"go.uber.org/zap"
)

// scriptedProvider returns one stream.Chunk (wrapped as a single-chunk
// "stream") per call to Generate/GenerateStream, in sequence, cycling to
// the last chunk once exhausted.
type scriptedProvider struct {
	turns []stream.Chunk
	calls int
}

func (p *scriptedProvider) next() stream.Chunk {
	idx := p.calls
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	p.calls++
	return p.turns[idx]
}

func (p *scriptedProvider) Generate(ctx context.Context, req Request) (stream.Chunk, error) {
	return p.next(), nil
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req Request, chunks chan<- stream.Chunk) error {
	chunks <- p.next()
	return nil
}

func (p *scriptedProvider) GetTimeout() time.Duration    { return time.Second }
func (p *scriptedProvider) GetMaxTokens() int            { return 128000 }
func (p *scriptedProvider) GetMaxOutputTokens() int      { return 4096 }
func (p *scriptedProvider) GetModelName() string         { return "test-model" }

func newTestSession() *session.Session {
	return session.New("sess-1", "you are a test agent", nil, nil, session.DefaultCompactionConfig(), zap.NewNop())
}

func TestExecute_NoToolCalls_CompletesImmediately(t *testing.T) {
	provider := &scriptedProvider{turns: []stream.Chunk{
		{Delta: stream.Delta{Content: "hello there"}, FinishReason: session.FinishStop},
	}}
	registry := domaintool.NewInMemoryRegistry()
	loop := New(provider, newTestSession(), registry, DefaultConfig(), zap.NewNop())

	var events []Event
	result := loop.Execute(context.Background(), "hi", nil, func(e Event) { events = append(events, e) })

	if result.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (code=%s)", result.Status, result.Code)
	}
	if result.FinalContent != "hello there" {
		t.Fatalf("unexpected final content: %q", result.FinalContent)
	}
}

func TestExecute_InvalidInput_NeverCallsProvider(t *testing.T) {
	provider := &scriptedProvider{turns: []stream.Chunk{{Delta: stream.Delta{Content: "x"}, FinishReason: session.FinishStop}}}
	registry := domaintool.NewInMemoryRegistry()
	loop := New(provider, newTestSession(), registry, DefaultConfig(), zap.NewNop())

	result := loop.Execute(context.Background(), "   ", nil, nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED for whitespace-only input, got %s", result.Status)
	}
	if provider.calls != 0 {
		t.Fatalf("expected provider never called for invalid input, got %d calls", provider.calls)
	}
}

func TestExecute_ToolCallThenFinalResponse(t *testing.T) {
	echoTool := &echoingFakeTool{name: "echo"}
	registry := domaintool.NewInMemoryRegistry()
	_ = registry.Register(echoTool)

	provider := &scriptedProvider{turns: []stream.Chunk{
		{Delta: stream.Delta{ToolCalls: []stream.ToolCallDelta{
			{Index: 0, ID: "call_1", Type: "function", Function: stream.FunctionDelta{Name: "echo", Arguments: `{"msg":"hi"}`}},
		}}, FinishReason: session.FinishToolCalls},
		{Delta: stream.Delta{Content: "done"}, FinishReason: session.FinishStop},
	}}
	loop := New(provider, newTestSession(), registry, DefaultConfig(), zap.NewNop())

	result := loop.Execute(context.Background(), "please echo hi", nil, nil)
	if result.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Status)
	}
	if result.FinalContent != "done" {
		t.Fatalf("expected final content 'done', got %q", result.FinalContent)
	}
	if result.Loops != 2 {
		t.Fatalf("expected 2 loops (tool-call turn + final turn), got %d", result.Loops)
	}
}

func TestExecute_EmptyResponseCompensation_ExhaustionFails(t *testing.T) {
	provider := &scriptedProvider{turns: []stream.Chunk{
		{FinishReason: session.FinishStop}, // empty content, no tool calls
	}}
	registry := domaintool.NewInMemoryRegistry()
	cfg := DefaultConfig()
	cfg.MaxCompensationRetries = 1
	cfg.MaxLoops = 5
	loop := New(provider, newTestSession(), registry, cfg, zap.NewNop())

	result := loop.Execute(context.Background(), "hi", nil, nil)
	if result.Status != StatusFailed || result.Code != CodeMaxRetriesExceeded {
		t.Fatalf("expected FAILED/AGENT_MAX_RETRIES_EXCEEDED after compensation exhaustion, got %s/%s", result.Status, result.Code)
	}
}

func TestExecute_LoopCapExceeded(t *testing.T) {
	provider := &scriptedProvider{turns: []stream.Chunk{
		{Delta: stream.Delta{ToolCalls: []stream.ToolCallDelta{
			{Index: 0, ID: "call_loop", Type: "function", Function: stream.FunctionDelta{Name: "echo", Arguments: `{}`}},
		}}, FinishReason: session.FinishToolCalls},
	}}
	echoTool := &echoingFakeTool{name: "echo"}
	registry := domaintool.NewInMemoryRegistry()
	_ = registry.Register(echoTool)
	cfg := DefaultConfig()
	cfg.MaxLoops = 3
	loop := New(provider, newTestSession(), registry, cfg, zap.NewNop())

	result := loop.Execute(context.Background(), "loop forever", nil, nil)
	if result.Status != StatusFailed || result.Code != CodeMaxLoopsExceeded {
		t.Fatalf("expected FAILED/AGENT_MAX_LOOPS_EXCEEDED, got %s/%s", result.Status, result.Code)
	}
}

// echoingFakeTool always succeeds with a fixed output; used only to let the
// tool-call turn close cleanly without pulling in the dispatcher's own test
// doubles.
type echoingFakeTool struct{ name string }

func (f *echoingFakeTool) Name() string                  { return f.name }
func (f *echoingFakeTool) Description() string            { return "echo" }
func (f *echoingFakeTool) Kind() domaintool.Kind           { return domaintool.KindRead }
func (f *echoingFakeTool) Schema() map[string]interface{}  { return map[string]interface{}{} }
func (f *echoingFakeTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Success: true, Output: "ok"}, nil
}
