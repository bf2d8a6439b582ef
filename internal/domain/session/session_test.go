package session

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func TestRepairOnLoad_InsertsInterruptedToolMessageImmediatelyAfter(t *testing.T) {
	store := newInMemoryMemoryManagerForTest()
	ctx := context.Background()

	sid := "sess-1"
	_, err := store.CreateSession(ctx, sid, "sys")
	if err != nil {
		t.Fatal(err)
	}

	assistantMsg := NewAssistantMessage("", "", []ToolCall{
		{ID: "call_resume_1", Type: "function", Index: 0, Function: FunctionCall{Name: "lookup", Arguments: "{}"}},
	}, FinishToolCalls, nil)

	seed := []Message{
		NewSystemMessage("sys"),
		NewUserMessage("hello", nil),
		assistantMsg,
	}
	if err := store.SaveCurrentContext(ctx, sid, seed); err != nil {
		t.Fatal(err)
	}

	s, err := Load(ctx, sid, store, nil, DefaultCompactionConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	history := s.GetFullHistory()
	if len(history) != 4 {
		t.Fatalf("expected 4 messages after repair, got %d", len(history))
	}
	repaired := history[3]
	if repaired.Role != RoleTool || repaired.ToolCallID != "call_resume_1" {
		t.Fatalf("expected synthetic tool message for call_resume_1, got %+v", repaired)
	}
	if repaired.Content != toolCallInterruptedContent {
		t.Fatalf("unexpected synthetic content: %s", repaired.Content)
	}

	if err := ValidateInvariants(history); err != nil {
		t.Fatalf("invariants should hold after repair: %v", err)
	}
}

func TestAppend_RejectsDuplicateToolCallID(t *testing.T) {
	s := New("s1", "sys", nil, nil, DefaultCompactionConfig(), testLogger())
	ctx := context.Background()

	msg1 := NewAssistantMessage("", "", []ToolCall{{ID: "dup", Function: FunctionCall{Name: "a"}}}, FinishToolCalls, nil)
	if err := s.Append(ctx, msg1); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, NewToolMessage("dup", `{"ok":true}`)); err != nil {
		t.Fatal(err)
	}

	msg2 := NewAssistantMessage("", "", []ToolCall{{ID: "dup", Function: FunctionCall{Name: "b"}}}, FinishToolCalls, nil)
	if err := s.Append(ctx, msg2); err == nil {
		t.Fatal("expected I5 violation error for reused tool_call id")
	}
}

func TestContextForLLM_FiltersExcluded(t *testing.T) {
	s := New("s1", "sys", nil, nil, DefaultCompactionConfig(), testLogger())
	ctx := context.Background()

	m1 := NewUserMessage("hi", nil)
	_ = s.Append(ctx, m1)
	m2 := NewAssistantMessage("", "", nil, FinishStop, nil)
	_ = s.Append(ctx, m2)

	s.MarkExcluded(ctx, m2.MessageID, "empty_response")

	for _, m := range s.ContextForLLM() {
		if m.MessageID == m2.MessageID {
			t.Fatal("excluded message must not appear in context_for_llm")
		}
	}
	found := false
	for _, m := range s.GetFullHistory() {
		if m.MessageID == m2.MessageID {
			found = true
		}
	}
	if !found {
		t.Fatal("excluded message must still appear in get_full_history")
	}
}

func TestCompactBeforeNextLLMCall_KeepsToolGroupsAtomic(t *testing.T) {
	s := New("s1", "sys", nil, nil, CompactionConfig{KeepMessagesNum: 2, TriggerRatio: 0.9, MaxTokens: 1000, MaxOutputTokens: 100}, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = s.Append(ctx, NewUserMessage("msg", nil))
		_ = s.Append(ctx, NewAssistantMessage("reply", "", nil, FinishStop, nil))
	}
	// Final pair is an assistant+tool group — must not be split by the tail window.
	assistantWithTools := NewAssistantMessage("", "", []ToolCall{{ID: "last", Function: FunctionCall{Name: "x"}}}, FinishToolCalls, nil)
	_ = s.Append(ctx, assistantWithTools)
	_ = s.Append(ctx, NewToolMessage("last", `{"ok":true}`))

	if err := s.CompactBeforeNextLLMCall(ctx, "test"); err != nil {
		t.Fatal(err)
	}

	history := s.GetFullHistory()
	if err := ValidateInvariants(history); err != nil {
		t.Fatalf("invariants must hold after compaction: %v", err)
	}
	records := s.CompactionRecords()
	if len(records) != 1 {
		t.Fatalf("expected one compaction record, got %d", len(records))
	}
}
