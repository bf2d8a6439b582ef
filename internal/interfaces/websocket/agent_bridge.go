package websocket

import (
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
)

// AgentEventForwarder returns an agentloop.Event observer (for
// agentcli.Controller.Subscribe) that fans each event out to every
// WebSocket client subscribed to sessionID, one WSMessage per event —
// the observation-event streaming surface SPEC_FULL.md's DOMAIN STACK
// assigns to gorilla/websocket.
//
// Grounded on the Hub's existing SendToSession broadcast (this package's
// only session-scoped fan-out primitive) — the forwarder is the missing
// link between that and an actual event producer, which the teacher's
// Hub never had (it only reacted to inbound client messages).
func AgentEventForwarder(hub *Hub, sessionID string) func(agentloop.Event) {
	return func(ev agentloop.Event) {
		msg := &WSMessage{
			SessionID: sessionID,
			Metadata: map[string]interface{}{
				"status": string(ev.Status),
				"step":   ev.Step,
			},
		}
		switch {
		case ev.Err != nil:
			msg.Type = MessageTypeError
			msg.Content = ev.Err.Error()
			if ev.Code != "" {
				msg.Metadata["code"] = string(ev.Code)
			}
		case ev.ToolResult != nil:
			if ev.ToolResult.Outcome.Success {
				msg.Type = MessageTypeToolResult
			} else {
				msg.Type = MessageTypeToolCall
			}
			msg.Content = ev.ToolResult.Name
			msg.Metadata["success"] = ev.ToolResult.Outcome.Success
		case ev.StreamEvt != nil:
			msg.Type = MessageTypeStream
			msg.Content = ev.StreamEvt.Content
		default:
			msg.Type = MessageTypeStream
			if ev.Reason != "" {
				msg.Content = ev.Reason
			}
		}
		hub.SendToSession(sessionID, msg)
	}
}
