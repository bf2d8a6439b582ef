package stream

import (
	"encoding/json"
	"testing"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
)

func TestBuildResponse_ContentIsConcatenationOfDeltasInOrder(t *testing.T) {
	p := New("m1", DefaultConfig(), nil, nil)
	deltas := []string{"hello", " ", "world"}
	for _, d := range deltas {
		if err := p.Consume(Chunk{Delta: Delta{Content: d}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Consume(Chunk{FinishReason: session.FinishStop}); err != nil {
		t.Fatal(err)
	}
	resp := p.BuildResponse()
	if resp.Content != "hello world" {
		t.Fatalf("expected concatenated content, got %q", resp.Content)
	}
}

func TestToolCallArgumentsAccumulation_SplitAtArbitraryBoundary(t *testing.T) {
	cases := [][]string{
		{`{"path"`, `: "test.txt"`, `}`},
		{`{"path": "test.txt"}`},
		{`{`, `"path": `, `"test.txt"`, `}`},
	}
	for _, fragments := range cases {
		p := New("m1", DefaultConfig(), nil, nil)
		for _, frag := range fragments {
			err := p.Consume(Chunk{Delta: Delta{ToolCalls: []ToolCallDelta{
				{Index: 0, ID: "call_1", Type: "function", Function: FunctionDelta{Name: "write_file", Arguments: frag}},
			}}})
			if err != nil {
				t.Fatal(err)
			}
		}
		resp := p.BuildResponse()
		if len(resp.ToolCalls) != 1 {
			t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
		}
		args := resp.ToolCalls[0].Function.Arguments
		if args != `{"path": "test.txt"}` {
			t.Fatalf("unexpected assembled arguments: %q", args)
		}
		var v map[string]any
		if err := json.Unmarshal([]byte(args), &v); err != nil {
			t.Fatalf("assembled arguments must parse as JSON: %v", err)
		}
	}
}

func TestToolCallDelta_IDAndNameReplaceOnReappearance(t *testing.T) {
	p := New("m1", DefaultConfig(), nil, nil)
	_ = p.Consume(Chunk{Delta: Delta{ToolCalls: []ToolCallDelta{
		{Index: 0, Function: FunctionDelta{Arguments: `{"a":`}},
	}}})
	_ = p.Consume(Chunk{Delta: Delta{ToolCalls: []ToolCallDelta{
		{Index: 0, ID: "call_99", Type: "function", Function: FunctionDelta{Name: "lookup", Arguments: `1}`}},
	}}})
	resp := p.BuildResponse()
	tc := resp.ToolCalls[0]
	if tc.ID != "call_99" || tc.Function.Name != "lookup" {
		t.Fatalf("expected id/name to be set on reappearance, got %+v", tc)
	}
	if tc.Function.Arguments != `{"a":1}` {
		t.Fatalf("expected arguments concatenated, got %q", tc.Function.Arguments)
	}
}

func TestOrdering_ReasoningBeforeTextBeforeToolCalls(t *testing.T) {
	var order []EventType
	p := New("m1", DefaultConfig(), nil, func(e Event) { order = append(order, e.Type) })
	_ = p.Consume(Chunk{Delta: Delta{ReasoningContent: "thinking"}})
	_ = p.Consume(Chunk{Delta: Delta{Content: "answer"}})
	_ = p.Consume(Chunk{Delta: Delta{ToolCalls: []ToolCallDelta{{Index: 0, ID: "c1", Function: FunctionDelta{Name: "x", Arguments: "{}"}}}}})

	idx := func(t EventType) int {
		for i, e := range order {
			if e == t {
				return i
			}
		}
		return -1
	}
	if !(idx(EventReasoningStart) < idx(EventReasoningComplete)) {
		t.Fatal("expected reasoning_start before reasoning_complete")
	}
	if !(idx(EventReasoningComplete) < idx(EventTextStart)) {
		t.Fatal("expected reasoning to complete before text starts")
	}
	if !(idx(EventTextComplete) < idx(EventToolCallCreated)) {
		t.Fatal("expected text to complete before tool_call_created")
	}
}

func TestBufferOverflow_AbortsAndStopsConsuming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 5
	p := New("m1", cfg, nil, nil)
	err := p.Consume(Chunk{Delta: Delta{Content: "abcdef"}})
	if err != ErrBufferOverflow {
		t.Fatalf("expected ErrBufferOverflow, got %v", err)
	}
	aborted, reason := p.Aborted()
	if !aborted || reason != "buffer_overflow" {
		t.Fatalf("expected aborted with buffer_overflow, got %v %q", aborted, reason)
	}
	// Further chunks are discarded, not erroring.
	if err := p.Consume(Chunk{Delta: Delta{Content: "more"}}); err != nil {
		t.Fatalf("expected discard (nil error) once aborted, got %v", err)
	}
}
