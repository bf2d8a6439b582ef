package agentcli

import (
	"context"
	"testing"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"go.uber.org/zap"
)

// stubProvider answers every call with one canned chunk.
type stubProvider struct {
	reply   stream.Chunk
	err     error
	delay   time.Duration
	timeout time.Duration
}

func (p *stubProvider) Generate(ctx context.Context, req agentloop.Request) (stream.Chunk, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return stream.Chunk{}, ctx.Err()
		}
	}
	return p.reply, p.err
}

func (p *stubProvider) GenerateStream(ctx context.Context, req agentloop.Request, chunks chan<- stream.Chunk) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.err != nil {
		return p.err
	}
	chunks <- p.reply
	return nil
}

func (p *stubProvider) GetTimeout() time.Duration {
	if p.timeout > 0 {
		return p.timeout
	}
	return time.Minute
}
func (p *stubProvider) GetMaxTokens() int       { return 128000 }
func (p *stubProvider) GetMaxOutputTokens() int { return 4096 }
func (p *stubProvider) GetModelName() string    { return "stub-model" }

func newTestController(t *testing.T, provider agentloop.LLMProvider) *Controller {
	t.Helper()
	sess := session.New("sess-ctrl", "you are helpful", nil, nil, session.DefaultCompactionConfig(), zap.NewNop())
	loop := agentloop.New(provider, sess, domaintool.NewInMemoryRegistry(), agentloop.DefaultConfig(), zap.NewNop())
	return New(loop, sess)
}

func TestController_ExecuteWithResult(t *testing.T) {
	provider := &stubProvider{reply: stream.Chunk{Delta: stream.Delta{Content: "hi"}, FinishReason: session.FinishStop}}
	ctrl := newTestController(t, provider)

	result, err := ctrl.ExecuteWithResult("hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != agentloop.StatusCompleted {
		t.Fatalf("expected StatusCompleted, got %s", result.Status)
	}
	if result.FinalContent != "hi" {
		t.Fatalf("expected final content 'hi', got %q", result.FinalContent)
	}
	if ctrl.GetStatus() != agentloop.StatusCompleted {
		t.Fatalf("expected controller status StatusCompleted, got %s", ctrl.GetStatus())
	}
	if len(ctrl.GetMessages()) != 3 {
		t.Fatalf("expected system+user+assistant messages in context, got %d", len(ctrl.GetMessages()))
	}
	if ctrl.GetTaskStartTime().IsZero() {
		t.Fatal("expected task start time to be recorded")
	}
}

func TestController_ExecuteBusy(t *testing.T) {
	provider := &stubProvider{
		reply: stream.Chunk{Delta: stream.Delta{Content: "hi"}, FinishReason: session.FinishStop},
		delay: 50 * time.Millisecond,
	}
	ctrl := newTestController(t, provider)

	if err := ctrl.Execute("first"); err != nil {
		t.Fatalf("unexpected error starting first execute: %v", err)
	}
	if err := ctrl.Execute("second"); err != ErrBusy {
		t.Fatalf("expected ErrBusy for overlapping execute, got %v", err)
	}

	deadline := time.After(time.Second)
	for ctrl.GetStatus() != agentloop.StatusCompleted {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first execute to finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestController_Abort(t *testing.T) {
	provider := &stubProvider{
		reply: stream.Chunk{Delta: stream.Delta{Content: "hi"}, FinishReason: session.FinishStop},
		delay: 2 * time.Second,
	}
	ctrl := newTestController(t, provider)

	done := make(chan agentloop.Result, 1)
	go func() {
		result, _ := ctrl.ExecuteWithResult("slow query")
		done <- result
	}()

	// Give the goroutine time to reach StatusRunning before aborting.
	time.Sleep(10 * time.Millisecond)
	ctrl.Abort()

	select {
	case result := <-done:
		if result.Status != agentloop.StatusAborted {
			t.Fatalf("expected StatusAborted, got %s", result.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for abort to take effect")
	}
}

func TestController_GetSessionID(t *testing.T) {
	ctrl := newTestController(t, &stubProvider{reply: stream.Chunk{FinishReason: session.FinishStop}})
	if ctrl.GetSessionID() != "sess-ctrl" {
		t.Fatalf("expected sess-ctrl, got %s", ctrl.GetSessionID())
	}
}
