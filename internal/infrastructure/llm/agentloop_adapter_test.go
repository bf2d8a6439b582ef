package llm

import (
	"context"
	"testing"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/entity"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/service"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
)

// fakeLLMProvider is a minimal Provider double exercising only Generate/
// GenerateStream — the two methods AgentLoopProvider actually calls.
type fakeLLMProvider struct {
	genResp      *service.LLMResponse
	genErr       error
	streamDeltas []service.StreamChunk
	streamResp   *service.LLMResponse
	streamErr    error
	lastReq      *service.LLMRequest
}

func (f *fakeLLMProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	f.lastReq = req
	return f.genResp, f.genErr
}

func (f *fakeLLMProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	f.lastReq = req
	for _, d := range f.streamDeltas {
		deltaCh <- d
	}
	return f.streamResp, f.streamErr
}

func (f *fakeLLMProvider) Name() string                         { return "fake" }
func (f *fakeLLMProvider) Models() []string                     { return []string{"fake-model"} }
func (f *fakeLLMProvider) SupportsModel(model string) bool      { return true }
func (f *fakeLLMProvider) IsAvailable(ctx context.Context) bool { return true }

func TestAgentLoopProvider_Generate_NoToolCalls(t *testing.T) {
	fake := &fakeLLMProvider{genResp: &service.LLMResponse{Content: "hi there", ModelUsed: "fake-model", TokensUsed: 12}}
	adapter := NewAgentLoopProvider(fake, "fake-model", 128000, 4096, 0.7, 0)

	req := agentloop.Request{Messages: []session.Message{session.NewUserMessage("hello", nil)}}
	chunk, err := adapter.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.Delta.Content != "hi there" {
		t.Fatalf("expected content 'hi there', got %q", chunk.Delta.Content)
	}
	if chunk.FinishReason != session.FinishStop {
		t.Fatalf("expected FinishStop, got %s", chunk.FinishReason)
	}
	if chunk.Usage == nil || chunk.Usage.TotalTokens != 12 {
		t.Fatalf("expected usage total 12, got %+v", chunk.Usage)
	}
	if len(fake.lastReq.Messages) != 1 || fake.lastReq.Messages[0].Content != "hello" {
		t.Fatalf("expected translated request to carry the user message, got %+v", fake.lastReq.Messages)
	}
}

func TestAgentLoopProvider_Generate_WithToolCalls(t *testing.T) {
	fake := &fakeLLMProvider{genResp: &service.LLMResponse{
		ToolCalls: []entity.ToolCallInfo{{ID: "call_1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.go"}}},
	}}
	adapter := NewAgentLoopProvider(fake, "fake-model", 128000, 4096, 0.7, 0)

	chunk, err := adapter.Generate(context.Background(), agentloop.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.FinishReason != session.FinishToolCalls {
		t.Fatalf("expected FinishToolCalls, got %s", chunk.FinishReason)
	}
	if len(chunk.Delta.ToolCalls) != 1 || chunk.Delta.ToolCalls[0].Function.Name != "read_file" {
		t.Fatalf("expected one read_file tool call, got %+v", chunk.Delta.ToolCalls)
	}
	if chunk.Delta.ToolCalls[0].Function.Arguments != `{"path":"a.go"}` {
		t.Fatalf("expected arguments re-serialized to JSON, got %q", chunk.Delta.ToolCalls[0].Function.Arguments)
	}
}

func TestAgentLoopProvider_GenerateStream_TextThenFinalToolCalls(t *testing.T) {
	fake := &fakeLLMProvider{
		streamDeltas: []service.StreamChunk{
			{DeltaText: "Let me check "},
			{DeltaText: "the file."},
		},
		streamResp: &service.LLMResponse{
			Content:   "Let me check the file.",
			ToolCalls: []entity.ToolCallInfo{{ID: "call_xyz", Name: "read_file", Arguments: map[string]interface{}{"path": "test.go"}}},
		},
	}
	adapter := NewAgentLoopProvider(fake, "fake-model", 128000, 4096, 0.7, 0)

	chunks := make(chan stream.Chunk, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- adapter.GenerateStream(context.Background(), agentloop.Request{}, chunks)
		close(chunks)
	}()

	var collected []stream.Chunk
	for c := range chunks {
		collected = append(collected, c)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(collected) != 3 {
		t.Fatalf("expected 2 text chunks + 1 final chunk, got %d", len(collected))
	}
	if collected[0].Delta.Content != "Let me check " || collected[1].Delta.Content != "the file." {
		t.Fatalf("expected incremental text chunks in order, got %+v", collected[:2])
	}
	final := collected[2]
	if final.Delta.Content != "" {
		t.Fatalf("expected final chunk to carry no duplicated content, got %q", final.Delta.Content)
	}
	if len(final.Delta.ToolCalls) != 1 || final.Delta.ToolCalls[0].Function.Name != "read_file" {
		t.Fatalf("expected final chunk to carry the assembled tool call, got %+v", final.Delta.ToolCalls)
	}
	if final.FinishReason != session.FinishToolCalls {
		t.Fatalf("expected FinishToolCalls on final chunk, got %s", final.FinishReason)
	}
}
