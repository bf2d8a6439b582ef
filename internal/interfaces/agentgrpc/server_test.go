package agentgrpc

import (
	"context"
	"testing"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/agentcli"
	"go.uber.org/zap"
)

type oneShotProvider struct {
	reply stream.Chunk
}

func (p *oneShotProvider) Generate(ctx context.Context, req agentloop.Request) (stream.Chunk, error) {
	return p.reply, nil
}

func (p *oneShotProvider) GenerateStream(ctx context.Context, req agentloop.Request, chunks chan<- stream.Chunk) error {
	chunks <- p.reply
	return nil
}

func (p *oneShotProvider) GetTimeout() time.Duration    { return time.Second }
func (p *oneShotProvider) GetMaxTokens() int            { return 128000 }
func (p *oneShotProvider) GetMaxOutputTokens() int      { return 4096 }
func (p *oneShotProvider) GetModelName() string         { return "test-model" }

func newTestController(sessionID string) *agentcli.Controller {
	sess := session.New(sessionID, "you are helpful", nil, nil, session.DefaultCompactionConfig(), zap.NewNop())
	provider := &oneShotProvider{reply: stream.Chunk{Delta: stream.Delta{Content: "done"}, FinishReason: session.FinishStop}}
	loop := agentloop.New(provider, sess, domaintool.NewInMemoryRegistry(), agentloop.DefaultConfig(), zap.NewNop())
	return agentcli.New(loop, sess)
}

func TestExecuteAgentLoopWithSink_StreamsEventsThenDone(t *testing.T) {
	ctrl := newTestController("grpc-sess-1")
	srv := &Server{logger: zap.NewNop()}

	var events []*AgentEvent
	err := srv.ExecuteAgentLoopWithSink(context.Background(), ctrl, "hello", func(e *AgentEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	last := events[len(events)-1]
	if last.Type != "done" || last.Content != "done" {
		t.Fatalf("expected trailing done event carrying final content, got %+v", last)
	}
}

func TestExecuteAgentLoopWithSink_RequiresQuery(t *testing.T) {
	ctrl := newTestController("grpc-sess-2")
	srv := &Server{logger: zap.NewNop()}

	err := srv.ExecuteAgentLoopWithSink(context.Background(), ctrl, "", func(e *AgentEvent) error { return nil })
	if err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestForwardSubagentEvents_TagsEventsAsSubagent(t *testing.T) {
	sub := newTestController("sub-sess-1")

	var tagged []*AgentEvent
	ForwardSubagentEvents(sub, func(e *AgentEvent) error {
		tagged = append(tagged, e)
		return nil
	})

	if _, err := sub.ExecuteWithResult("nested query"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(tagged) == 0 {
		t.Fatal("expected forwarded events")
	}
	for _, e := range tagged {
		if e.Type != "subagent_event" {
			t.Fatalf("expected every forwarded event tagged subagent_event, got %+v", e)
		}
	}
}
