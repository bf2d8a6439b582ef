package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/agentcli"
	"go.uber.org/zap"
)

type oneShotProvider struct {
	reply stream.Chunk
	delay time.Duration
}

func (p *oneShotProvider) Generate(ctx context.Context, req agentloop.Request) (stream.Chunk, error) {
	return p.reply, nil
}

func (p *oneShotProvider) GenerateStream(ctx context.Context, req agentloop.Request, chunks chan<- stream.Chunk) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	chunks <- p.reply
	return nil
}

func (p *oneShotProvider) GetTimeout() time.Duration   { return 5 * time.Second }
func (p *oneShotProvider) GetMaxTokens() int           { return 128000 }
func (p *oneShotProvider) GetMaxOutputTokens() int     { return 4096 }
func (p *oneShotProvider) GetModelName() string        { return "test-model" }

func testFactory(delay time.Duration) AgentSessionFactory {
	return func(ctx context.Context, sessionID, systemPrompt string) (*agentcli.Controller, error) {
		sess := session.New(sessionID, systemPrompt, nil, nil, session.DefaultCompactionConfig(), zap.NewNop())
		provider := &oneShotProvider{reply: stream.Chunk{Delta: stream.Delta{Content: "done"}, FinishReason: session.FinishStop}, delay: delay}
		loop := agentloop.New(provider, sess, domaintool.NewInMemoryRegistry(), agentloop.DefaultConfig(), zap.NewNop())
		return agentcli.New(loop, sess), nil
	}
}

func newTestRouter(factory AgentSessionFactory) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAgentCoreHandler(factory, nil, zap.NewNop())
	r := gin.New()
	r.POST("/execute", h.Execute)
	r.POST("/execute_sync", h.ExecuteWithResult)
	r.GET("/stream", h.Stream)
	r.POST("/abort", h.Abort)
	r.GET("/status", h.Status)
	r.GET("/messages", h.Messages)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAgentCoreHandler_ExecuteWithResult(t *testing.T) {
	r := newTestRouter(testFactory(0))

	w := doJSON(t, r, "POST", "/execute_sync", agentCoreRequest{SessionID: "s1", Query: "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "COMPLETED" {
		t.Fatalf("expected COMPLETED status, got %+v", resp)
	}
	if resp["final_content"] != "done" {
		t.Fatalf("expected final content 'done', got %+v", resp)
	}
}

func TestAgentCoreHandler_StatusAndMessagesAfterExecute(t *testing.T) {
	r := newTestRouter(testFactory(0))

	doJSON(t, r, "POST", "/execute_sync", agentCoreRequest{SessionID: "s2", Query: "hi"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status?session_id=s2", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/messages?session_id=s2", nil)
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestAgentCoreHandler_StatusUnknownSession(t *testing.T) {
	r := newTestRouter(testFactory(0))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status?session_id=nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAgentCoreHandler_ExecuteBusyReturnsConflict(t *testing.T) {
	r := newTestRouter(testFactory(100 * time.Millisecond))

	w1 := doJSON(t, r, "POST", "/execute", agentCoreRequest{SessionID: "s3", Query: "hi"})
	if w1.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w1.Code, w1.Body.String())
	}

	w2 := doJSON(t, r, "POST", "/execute", agentCoreRequest{SessionID: "s3", Query: "hi again"})
	if w2.Code != http.StatusConflict {
		t.Fatalf("expected 409 busy, got %d: %s", w2.Code, w2.Body.String())
	}

	time.Sleep(200 * time.Millisecond)
}
