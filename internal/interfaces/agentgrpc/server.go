package agentgrpc

import (
	"context"
	"fmt"
	"net"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/agentcli"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server holds the gRPC listener for the agent. Start serves a grpc.Server
// with no service registered, so none of the methods below is reachable over
// the network; ListTools, ExecuteAgentLoopWithSink and ForwardSubagentEvents
// are plain Go methods.
type Server struct {
	registry domaintool.Registry
	logger   *zap.Logger
	server   *grpc.Server
	port     int
}

// NewServer creates a new gRPC agent server.
func NewServer(registry domaintool.Registry, port int, logger *zap.Logger) *Server {
	return &Server{
		registry: registry,
		logger:   logger.With(zap.String("component", "agent-grpc")),
		port:     port,
	}
}

// Start starts the gRPC server
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen port %d: %w", s.port, err)
	}

	s.server = grpc.NewServer()
	// Register would happen here once proto is generated:
	// pb.RegisterAgentServiceServer(s.server, s)

	s.logger.Info("Starting gRPC agent server", zap.Int("port", s.port))

	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
		s.logger.Info("gRPC agent server stopped")
	}
}

// --- gRPC Service Method Implementations ---
// These follow the proto service definition and will be connected
// once proto generation is set up.

// RunAgentRequest is the inbound request for ExecuteAgentLoopWithSink RPC
type RunAgentRequest struct {
	Message      string `json:"message"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
	SessionID    string `json:"session_id"`
}

// AgentEvent is the streaming response event for the agent RPCs.
type AgentEvent struct {
	Type     string                 `json:"type"`
	Content  string                 `json:"content,omitempty"`
	ToolName string                 `json:"tool_name,omitempty"`
	ToolID   string                 `json:"tool_id,omitempty"`
	ToolArgs map[string]interface{} `json:"tool_args,omitempty"`
	ToolOut  string                 `json:"tool_output,omitempty"`
	Success  bool                   `json:"success,omitempty"`
	Step     int                    `json:"step,omitempty"`
	Tokens   int                    `json:"tokens,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// ToolDefinition describes a tool for the ListTools RPC
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ListTools returns available tool definitions
func (s *Server) ListTools() []ToolDefinition {
	defs := s.registry.List()
	result := make([]ToolDefinition, 0, len(defs))
	for _, d := range defs {
		result = append(result, ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return result
}

// ExecuteAgentLoopWithSink runs the agent loop (via an agentcli.Controller),
// streaming AgentEvent frames over sendEvent. It subscribes to ctrl's
// observation stream and forwards every event to sendEvent, then blocks
// until the execution reaches a terminal status.
func (s *Server) ExecuteAgentLoopWithSink(ctx context.Context, ctrl *agentcli.Controller, query string, sendEvent func(*AgentEvent) error) error {
	if query == "" {
		return status.Error(codes.InvalidArgument, "message is required")
	}

	var sendErr error
	ctrl.Subscribe(func(ev agentloop.Event) {
		if sendErr != nil {
			return
		}
		sendErr = sendEvent(convertLoopEventToGRPC(ev, ""))
	})

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			ctrl.Abort()
		case <-stopWatch:
		}
	}()

	result, err := ctrl.ExecuteWithResult(query)
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return sendEvent(&AgentEvent{Type: "done", Content: result.FinalContent, Step: result.Loops})
}

// ForwardSubagentEvents subscribes to a nested agent's Controller and
// forwards its events untouched, tagged "subagent_event" rather than the
// inner event's own type — the gRPC pass-through surface for sub-agent
// observation events: the outer caller sees that a sub-agent produced the
// event without needing to interpret it itself.
func ForwardSubagentEvents(sub *agentcli.Controller, sendEvent func(*AgentEvent) error) {
	sub.Subscribe(func(ev agentloop.Event) {
		inner := convertLoopEventToGRPC(ev, sub.GetSessionID())
		inner.Type = "subagent_event"
		_ = sendEvent(inner)
	})
}

func convertLoopEventToGRPC(ev agentloop.Event, subSessionID string) *AgentEvent {
	ge := &AgentEvent{Step: ev.Step}
	switch {
	case ev.Err != nil:
		ge.Type = "error"
		ge.Error = ev.Err.Error()
	case ev.ToolResult != nil:
		ge.ToolName = ev.ToolResult.Name
		ge.ToolID = ev.ToolResult.ToolCallID
		ge.ToolOut = ev.ToolResult.Outcome.Output
		ge.Success = ev.ToolResult.Outcome.Success
		ge.Type = "tool_result"
	case ev.StreamEvt != nil:
		ge.Type = "text_delta"
		ge.Content = ev.StreamEvt.Content
	default:
		ge.Type = "status"
		ge.Content = string(ev.Status)
	}
	if subSessionID != "" {
		ge.ToolArgs = map[string]interface{}{"subagent_session_id": subSessionID}
	}
	return ge
}
