package persistence

import (
	"context"
	"testing"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	pkgerrors "github.com/wangrenren611/coding-agent-sub001/pkg/errors"
)

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	t.Run("CreateSession is idempotent", func(t *testing.T) {
		id, err := store.CreateSession(ctx, "sess-1", "you are helpful")
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if id != "sess-1" {
			t.Errorf("expected sess-1, got %s", id)
		}
		if _, err := store.CreateSession(ctx, "sess-1", "different prompt"); err != nil {
			t.Fatalf("second CreateSession should not error: %v", err)
		}
		rec, err := store.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if rec.SystemPrompt != "you are helpful" {
			t.Errorf("expected original system prompt preserved, got %q", rec.SystemPrompt)
		}
	})

	t.Run("GetSession on unknown id returns NotFound", func(t *testing.T) {
		_, err := store.GetSession(ctx, "does-not-exist")
		if !pkgerrors.IsNotFound(err) {
			t.Fatalf("expected NotFound error, got %v", err)
		}
	})

	t.Run("AddMessageToContext appends to both context and history", func(t *testing.T) {
		_, _ = store.CreateSession(ctx, "sess-2", "sys")
		msg := session.NewUserMessage("hello", nil)
		if err := store.AddMessageToContext(ctx, "sess-2", msg); err != nil {
			t.Fatalf("AddMessageToContext failed: %v", err)
		}

		ctxMsgs, err := store.GetCurrentContext(ctx, "sess-2")
		if err != nil {
			t.Fatalf("GetCurrentContext failed: %v", err)
		}
		if len(ctxMsgs) != 1 || ctxMsgs[0].MessageID != msg.MessageID {
			t.Fatalf("expected context to contain the appended message, got %v", ctxMsgs)
		}

		hist, err := store.GetFullHistory(ctx, "sess-2")
		if err != nil {
			t.Fatalf("GetFullHistory failed: %v", err)
		}
		if len(hist) != 1 || hist[0].MessageID != msg.MessageID {
			t.Fatalf("expected history to contain the appended message, got %v", hist)
		}
	})

	t.Run("SaveCurrentContext replaces context but history survives", func(t *testing.T) {
		_, _ = store.CreateSession(ctx, "sess-3", "sys")
		first := session.NewUserMessage("first", nil)
		second := session.NewUserMessage("second", nil)
		_ = store.AddMessageToContext(ctx, "sess-3", first)
		_ = store.AddMessageToContext(ctx, "sess-3", second)

		// compaction: context now holds only a summary message
		summary := session.NewUserMessage("summary of first+second", nil)
		if err := store.SaveCurrentContext(ctx, "sess-3", []session.Message{summary}); err != nil {
			t.Fatalf("SaveCurrentContext failed: %v", err)
		}

		ctxMsgs, _ := store.GetCurrentContext(ctx, "sess-3")
		if len(ctxMsgs) != 1 || ctxMsgs[0].MessageID != summary.MessageID {
			t.Fatalf("expected context pruned to just the summary, got %v", ctxMsgs)
		}

		hist, _ := store.GetFullHistory(ctx, "sess-3")
		if len(hist) != 2 {
			t.Fatalf("expected full history to still hold both original messages, got %d", len(hist))
		}
	})

	t.Run("UpdateMessageInContext marks a message excluded in place", func(t *testing.T) {
		_, _ = store.CreateSession(ctx, "sess-4", "sys")
		msg := session.NewUserMessage("empty turn", nil)
		_ = store.AddMessageToContext(ctx, "sess-4", msg)

		msg.ExcludedFromContext = true
		msg.ExcludedReason = "empty_response"
		if err := store.UpdateMessageInContext(ctx, "sess-4", msg); err != nil {
			t.Fatalf("UpdateMessageInContext failed: %v", err)
		}

		ctxMsgs, _ := store.GetCurrentContext(ctx, "sess-4")
		if !ctxMsgs[0].ExcludedFromContext || ctxMsgs[0].ExcludedReason != "empty_response" {
			t.Fatalf("expected message updated in place, got %+v", ctxMsgs[0])
		}
	})

	t.Run("UpdateMessageInContext on unknown message returns NotFound", func(t *testing.T) {
		_, _ = store.CreateSession(ctx, "sess-5", "sys")
		err := store.UpdateMessageInContext(ctx, "sess-5", session.NewUserMessage("ghost", nil))
		if !pkgerrors.IsNotFound(err) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("Compaction records append and list in order", func(t *testing.T) {
		_, _ = store.CreateSession(ctx, "sess-6", "sys")
		rec1 := session.CompactionRecord{CompactionID: "c1", CompactedAtUnix: 100, Reason: "token_budget", Success: true}
		rec2 := session.CompactionRecord{CompactionID: "c2", CompactedAtUnix: 200, Reason: "token_budget", Success: true}
		_ = store.AppendCompactionRecord(ctx, "sess-6", rec1)
		_ = store.AppendCompactionRecord(ctx, "sess-6", rec2)

		records, err := store.GetCompactionRecords(ctx, "sess-6")
		if err != nil {
			t.Fatalf("GetCompactionRecords failed: %v", err)
		}
		if len(records) != 2 || records[0].CompactionID != "c1" || records[1].CompactionID != "c2" {
			t.Fatalf("expected records in append order, got %v", records)
		}
	})
}
