package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/entity"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/service"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
)

// AgentLoopProvider adapts any Provider (which already implements
// service.LLMClient) to agentloop.LLMProvider, so the existing provider
// factories (openai/anthropic/gemini/openai_builtin, all reached through
// CreateProvider) can drive the new agent loop without rewriting their
// wire-format parsing.
//
// Grounded on the teacher's own AIClientAdapter
// (internal/domain/service/agent_adapters.go), which bridges a plain
// function into LLMClient the same way this bridges a Provider into
// agentloop.LLMProvider — both exist purely to reshape one calling
// convention into another.
//
// Translation note: openai_builtin.go's parseSSEStream (and the other
// providers' equivalents) send DeltaText/FinishReason on the delta channel
// while streaming, plus one DeltaToolCall chunk per tool call once it is
// fully assembled. This adapter forwards text as incremental stream.Chunk
// values and ignores DeltaToolCall chunks: tool calls/usage are taken from
// the final *service.LLMResponse and arrive once, in a single trailing
// chunk, rather than as per-fragment ToolCallDelta events.
type AgentLoopProvider struct {
	provider        service.LLMClient
	model           string
	maxTokens       int
	maxOutputTokens int
	temperature     float64
	timeout         time.Duration
}

// NewAgentLoopProvider wraps client for use as an agentloop.LLMProvider.
// client is typically a single Provider or the multi-provider *Router
// (both satisfy service.LLMClient) — AgentLoopProvider only ever calls
// Generate/GenerateStream, so Router's failover/circuit-breaking applies
// transparently. maxTokens is the provider's total context window;
// maxOutputTokens bounds a single response; temperature is passed straight
// through on every call.
func NewAgentLoopProvider(client service.LLMClient, model string, maxTokens, maxOutputTokens int, temperature float64, timeout time.Duration) *AgentLoopProvider {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AgentLoopProvider{
		provider:        client,
		model:           model,
		maxTokens:       maxTokens,
		maxOutputTokens: maxOutputTokens,
		temperature:     temperature,
		timeout:         timeout,
	}
}

func (a *AgentLoopProvider) GetTimeout() time.Duration { return a.timeout }
func (a *AgentLoopProvider) GetMaxTokens() int         { return a.maxTokens }
func (a *AgentLoopProvider) GetMaxOutputTokens() int   { return a.maxOutputTokens }
func (a *AgentLoopProvider) GetModelName() string      { return a.model }

const defaultSummaryPrompt = `Summarize the conversation below into a short briefing that preserves:
1. the user's underlying goal
2. decisions and actions already taken
3. any code/config changes already made
4. open questions or unfinished steps

Keep it under 300 words, bullet points preferred.

Conversation:
%s

Summary:`

// Summarize implements session.Summarizer, letting the compaction protocol
// (spec §4.4) use the same provider the loop talks to. Grounded on the
// teacher's LLMSummarizer.Summarize (internal/domain/context/summarizer.go):
// flatten messages to "[role]: content" lines, wrap in a fixed prompt, call
// the underlying client directly rather than through the agent loop.
func (a *AgentLoopProvider) Summarize(ctx context.Context, messages []session.Message, maxOutputTokens int) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = 800
	}
	resp, err := a.provider.Generate(ctx, &service.LLMRequest{
		Messages:    []service.LLMMessage{{Role: "user", Content: fmt.Sprintf(defaultSummaryPrompt, sb.String())}},
		Model:       a.model,
		MaxTokens:   maxOutputTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("agentloop: summarize failed: %w", err)
	}
	return resp.Content, nil
}

// Generate implements agentloop.LLMProvider.
func (a *AgentLoopProvider) Generate(ctx context.Context, req agentloop.Request) (stream.Chunk, error) {
	resp, err := a.provider.Generate(ctx, a.toLLMRequest(req))
	if err != nil {
		return stream.Chunk{}, err
	}
	return a.responseToChunk(resp, ""), nil
}

// GenerateStream implements agentloop.LLMProvider. It does not close
// chunks — the caller (agentloop.Loop) owns that, per the interface
// contract.
func (a *AgentLoopProvider) GenerateStream(ctx context.Context, req agentloop.Request, chunks chan<- stream.Chunk) error {
	deltaCh := make(chan service.StreamChunk)
	drained := make(chan struct{})
	var lastFinish string

	go func() {
		defer close(drained)
		for d := range deltaCh {
			if d.DeltaText != "" {
				chunks <- stream.Chunk{Delta: stream.Delta{Content: d.DeltaText}}
			}
			if d.FinishReason != "" {
				lastFinish = d.FinishReason
			}
		}
	}()

	resp, err := a.provider.GenerateStream(ctx, a.toLLMRequest(req), deltaCh)
	close(deltaCh)
	<-drained
	if err != nil {
		return err
	}

	final := a.responseToChunk(resp, lastFinish)
	final.Delta.Content = "" // already streamed incrementally above
	chunks <- final
	return nil
}

func (a *AgentLoopProvider) toLLMRequest(req agentloop.Request) *service.LLMRequest {
	messages := make([]service.LLMMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, toLLMMessage(m))
	}
	return &service.LLMRequest{
		Messages:    messages,
		Tools:       req.Tools,
		Model:       a.model,
		MaxTokens:   a.maxOutputTokens,
		Temperature: a.temperature,
	}
}

func toLLMMessage(m session.Message) service.LLMMessage {
	var parts []service.ContentPart
	if len(m.Parts) > 0 {
		parts = make([]service.ContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			parts = append(parts, toLLMContentPart(p))
		}
	}
	return service.LLMMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		Parts:      parts,
		ToolCalls:  toToolCallInfos(m.ToolCalls),
		ToolCallID: m.ToolCallID,
	}
}

func toLLMContentPart(p session.ContentPart) service.ContentPart {
	out := service.ContentPart{Type: string(p.Type), Text: p.Text}
	switch {
	case p.ImageURL != nil:
		out.MediaURL = p.ImageURL.URL
	case p.File != nil:
		out.MediaURL = p.File.FileData
	case p.Audio != nil:
		out.MediaURL = p.Audio.Data
		out.MimeType = p.Audio.Format
	case p.Video != nil:
		out.MediaURL = p.Video.URL
	}
	return out
}

func toToolCallInfos(calls []session.ToolCall) []entity.ToolCallInfo {
	if len(calls) == 0 {
		return nil
	}
	out := make([]entity.ToolCallInfo, 0, len(calls))
	for _, c := range calls {
		var args map[string]interface{}
		if c.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(c.Function.Arguments), &args)
		}
		out = append(out, entity.ToolCallInfo{ID: c.ID, Name: c.Function.Name, Arguments: args})
	}
	return out
}

// responseToChunk folds a fully-assembled LLMResponse into a stream.Chunk.
// streamedFinish is the raw finish_reason string last seen on the delta
// channel (empty for the non-streaming Generate path); it only wins when
// the response carries no tool calls, since tool-call presence is the
// more reliable signal for FinishToolCalls.
func (a *AgentLoopProvider) responseToChunk(resp *service.LLMResponse, streamedFinish string) stream.Chunk {
	finish := session.FinishStop
	var toolCalls []stream.ToolCallDelta
	if len(resp.ToolCalls) > 0 {
		finish = session.FinishToolCalls
		toolCalls = make([]stream.ToolCallDelta, 0, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			toolCalls = append(toolCalls, stream.ToolCallDelta{
				Index:    i,
				ID:       tc.ID,
				Type:     "function",
				Function: stream.FunctionDelta{Name: tc.Name, Arguments: string(argsJSON)},
			})
		}
	} else if streamedFinish != "" {
		finish = mapFinishReason(streamedFinish)
	}
	return stream.Chunk{
		Model:        resp.ModelUsed,
		Delta:        stream.Delta{Content: resp.Content, ToolCalls: toolCalls},
		FinishReason: finish,
		Usage:        &session.Usage{TotalTokens: resp.TokensUsed},
	}
}

func mapFinishReason(raw string) session.FinishReason {
	switch raw {
	case "tool_calls":
		return session.FinishToolCalls
	case "length":
		return session.FinishLength
	case "content_filter":
		return session.FinishContentFilter
	default:
		return session.FinishStop
	}
}
