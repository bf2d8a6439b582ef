package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/tooldispatch"
	"go.uber.org/zap"
)

func newTestHubWithClient(t *testing.T, sessionID string) (*Hub, *Client) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	client := &Client{ID: "c1", SessionID: sessionID, send: make(chan []byte, 8), hub: hub, logger: zap.NewNop()}
	hub.register <- client
	time.Sleep(10 * time.Millisecond) // let Run() process the register
	return hub, client
}

func recvMsg(t *testing.T, client *Client) WSMessage {
	t.Helper()
	select {
	case raw := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded message")
		return WSMessage{}
	}
}

func TestAgentEventForwarder_StreamEvent(t *testing.T) {
	hub, client := newTestHubWithClient(t, "sess-a")
	forward := AgentEventForwarder(hub, "sess-a")

	forward(agentloop.Event{Status: agentloop.StatusThinking, StreamEvt: &stream.Event{Content: "partial text"}})

	msg := recvMsg(t, client)
	if msg.Type != MessageTypeStream || msg.Content != "partial text" {
		t.Fatalf("expected stream message with content, got %+v", msg)
	}
	if msg.Metadata["status"] != string(agentloop.StatusThinking) {
		t.Fatalf("expected status metadata, got %+v", msg.Metadata)
	}
}

func TestAgentEventForwarder_ToolResultAndError(t *testing.T) {
	hub, client := newTestHubWithClient(t, "sess-b")
	forward := AgentEventForwarder(hub, "sess-b")

	forward(agentloop.Event{
		Status:     agentloop.StatusThinking,
		ToolResult: &tooldispatch.ResultEvent{Name: "read_file", Outcome: tooldispatch.Outcome{Success: true}},
	})
	msg := recvMsg(t, client)
	if msg.Type != MessageTypeToolResult || msg.Content != "read_file" {
		t.Fatalf("expected tool_result message, got %+v", msg)
	}

	forward(agentloop.Event{Status: agentloop.StatusFailed, Err: errors.New("boom")})
	msg = recvMsg(t, client)
	if msg.Type != MessageTypeError || msg.Content != "boom" {
		t.Fatalf("expected error message, got %+v", msg)
	}
}
