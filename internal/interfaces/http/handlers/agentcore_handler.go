package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/agentcli"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// AgentSessionFactory builds one execution-ready agentcli.Controller for a
// session ID — the same construction application.App.NewAgentSession
// performs. Taking it as a function rather than importing the application
// package directly avoids an import cycle (application already imports this
// package's parent to build the HTTP server).
type AgentSessionFactory func(ctx context.Context, sessionID, systemPrompt string) (*agentcli.Controller, error)

// eventBroadcaster fans one controller's agentloop.Event stream out to
// however many SSE clients are currently watching it. Grounded on the
// websocket package's Hub (register/unregister channel bookkeeping under a
// mutex) — the same shape, scaled down to one session's observers instead of
// a whole connection registry.
type eventBroadcaster struct {
	mu       sync.Mutex
	nextID   int
	watchers map[int]chan agentloop.Event
}

func newEventBroadcaster() *eventBroadcaster {
	return &eventBroadcaster{watchers: make(map[int]chan agentloop.Event)}
}

func (b *eventBroadcaster) publish(ev agentloop.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBroadcaster) watch() (id int, ch chan agentloop.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id = b.nextID
	ch = make(chan agentloop.Event, 32)
	b.watchers[id] = ch
	return id, ch
}

func (b *eventBroadcaster) unwatch(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.watchers[id]; ok {
		delete(b.watchers, id)
		close(ch)
	}
}

type agentCoreSession struct {
	ctrl   *agentcli.Controller
	events *eventBroadcaster
}

// AgentCoreHandler exposes the agent loop's CLI-surface operation vocabulary
// (execute, execute_with_result, abort, get_status, get_messages, ...) as a
// JSON/SSE HTTP API — the gin surface SPEC_FULL.md's DOMAIN STACK assigns
// this behavior to, alongside the websocket and gRPC equivalents in
// internal/interfaces/websocket and internal/interfaces/agentgrpc.
//
// The stream endpoint uses the usual SSE-over-gin pattern (headers,
// Flusher.Flush per frame); it sends no trailing "done" event.
type AgentCoreHandler struct {
	factory AgentSessionFactory
	wsHub   *websocket.Hub
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*agentCoreSession
}

// NewAgentCoreHandler builds a handler that lazily creates one
// agentcli.Controller per session_id, via factory, and keeps it alive across
// requests so execute/status/abort calls for the same session_id all drive
// the same controller. When wsHub is non-nil, every controller's event
// stream is also fanned out to WebSocket clients subscribed to that
// session_id, via websocket.AgentEventForwarder.
func NewAgentCoreHandler(factory AgentSessionFactory, wsHub *websocket.Hub, logger *zap.Logger) *AgentCoreHandler {
	return &AgentCoreHandler{
		factory:  factory,
		wsHub:    wsHub,
		logger:   logger.With(zap.String("handler", "agent_core")),
		sessions: make(map[string]*agentCoreSession),
	}
}

func (h *AgentCoreHandler) getOrCreate(ctx context.Context, sessionID, systemPrompt string) (*agentCoreSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		return s, nil
	}
	ctrl, err := h.factory(ctx, sessionID, systemPrompt)
	if err != nil {
		return nil, err
	}
	s := &agentCoreSession{ctrl: ctrl, events: newEventBroadcaster()}
	ctrl.Subscribe(s.events.publish)
	if h.wsHub != nil {
		ctrl.Subscribe(websocket.AgentEventForwarder(h.wsHub, sessionID))
	}
	h.sessions[sessionID] = s
	return s, nil
}

func (h *AgentCoreHandler) lookup(sessionID string) (*agentCoreSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

type agentCoreRequest struct {
	SessionID    string `json:"session_id" binding:"required"`
	Query        string `json:"query" binding:"required"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Execute handles POST /api/v1/agent/execute — the fire-and-forget half of
// execute(query). Returns immediately; callers watch /agent/stream or poll
// /agent/status for progress.
func (h *AgentCoreHandler) Execute(c *gin.Context) {
	var req agentCoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.getOrCreate(c.Request.Context(), req.SessionID, req.SystemPrompt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctrl.Execute(req.Query); err != nil {
		status := http.StatusInternalServerError
		if err == agentcli.ErrBusy {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": req.SessionID, "status": string(s.ctrl.GetStatus())})
}

// ExecuteWithResult handles POST /api/v1/agent/execute_sync — blocks until
// the loop reaches a terminal status and returns its agentloop.Result.
func (h *AgentCoreHandler) ExecuteWithResult(c *gin.Context) {
	var req agentCoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.getOrCreate(c.Request.Context(), req.SessionID, req.SystemPrompt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	result, err := s.ctrl.ExecuteWithResult(req.Query)
	if err != nil {
		status := http.StatusInternalServerError
		if err == agentcli.ErrBusy {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    s.ctrl.GetSessionID(),
		"status":        string(result.Status),
		"code":          string(result.Code),
		"final_content": result.FinalContent,
		"loops":         result.Loops,
	})
}

// Stream handles GET /api/v1/agent/stream?session_id=... — an SSE tap on a
// session's live agentloop.Event stream, independent of which request to
// this handler triggered the execution. Only sessions this handler created
// can be watched.
func (h *AgentCoreHandler) Stream(c *gin.Context) {
	sessionID := c.Query("session_id")
	s, ok := h.lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session_id"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	id, ch := s.events.watch()
	defer s.events.unwatch(id)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(sseShapeForEvent(ev))
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", sseNameForEvent(ev), data)
			if flusher != nil {
				flusher.Flush()
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// Abort handles POST /api/v1/agent/abort — cancels the in-flight execution
// for session_id, if any.
func (h *AgentCoreHandler) Abort(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = c.PostForm("session_id")
	}
	s, ok := h.lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session_id"})
		return
	}
	s.ctrl.Abort()
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": string(s.ctrl.GetStatus())})
}

// Status handles GET /api/v1/agent/status?session_id=... — get_status,
// get_loop_count, get_retry_count and get_task_start_time bundled into one
// response, since an HTTP poller wants all four in one round trip.
func (h *AgentCoreHandler) Status(c *gin.Context) {
	sessionID := c.Query("session_id")
	s, ok := h.lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session_id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":      s.ctrl.GetSessionID(),
		"status":          string(s.ctrl.GetStatus()),
		"loop_count":      s.ctrl.GetLoopCount(),
		"retry_count":     s.ctrl.GetRetryCount(),
		"task_start_time": s.ctrl.GetTaskStartTime(),
	})
}

// Messages handles GET /api/v1/agent/messages?session_id=... — get_messages.
func (h *AgentCoreHandler) Messages(c *gin.Context) {
	sessionID := c.Query("session_id")
	s, ok := h.lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session_id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": s.ctrl.GetMessages()})
}

func sseNameForEvent(ev agentloop.Event) string {
	switch {
	case ev.Err != nil:
		return "error"
	case ev.ToolResult != nil:
		return "tool_result"
	case ev.StreamEvt != nil:
		return "text_delta"
	default:
		return "status"
	}
}

func sseShapeForEvent(ev agentloop.Event) map[string]interface{} {
	shape := map[string]interface{}{"status": string(ev.Status), "step": ev.Step}
	switch {
	case ev.Err != nil:
		shape["error"] = ev.Err.Error()
		shape["code"] = string(ev.Code)
	case ev.ToolResult != nil:
		shape["tool_name"] = ev.ToolResult.Name
		shape["success"] = ev.ToolResult.Outcome.Success
		shape["output"] = ev.ToolResult.Outcome.Output
	case ev.StreamEvt != nil:
		shape["content"] = ev.StreamEvt.Content
	default:
		if ev.Reason != "" {
			shape["reason"] = ev.Reason
		}
	}
	return shape
}
