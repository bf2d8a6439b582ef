// Package entity holds the small wire types shared across LLM provider
// adapters — not a domain model, just the shapes those adapters translate
// provider-specific tool-call payloads into.
package entity

// ToolCallInfo is a provider-agnostic tool call extracted from an LLM
// response or stream, before it reaches the tool dispatcher.
type ToolCallInfo struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}
