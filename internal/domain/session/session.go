package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Summarizer produces a bounded summary of a message slice, used by
// compact_before_next_llm_call. Implemented by the LLM-provider adapter;
// Session never imports a provider directly.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message, maxOutputTokens int) (string, error)
}

// CompactionConfig holds the knobs for §4.4's compaction protocol.
type CompactionConfig struct {
	KeepMessagesNum int     // tail_window size (default 40)
	TriggerRatio    float64 // rolling token estimate / MaxTokens (default 0.9)
	MaxTokens       int     // provider's LLMMaxTokens budget
	MaxOutputTokens int     // cap on the summary request
}

func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		KeepMessagesNum: 40,
		TriggerRatio:    0.9,
		MaxTokens:       128000,
		MaxOutputTokens: 800,
	}
}

// Session owns the ordered message log for one agent execution (spec §3,
// §4.4). Append enforces I2 and I5 only; it does not check tool-call
// pairing (I1) or role alternation (I3). ValidateInvariants checks those
// before a compaction result is applied, and RepairOnLoad restores I1 on
// load.
type Session struct {
	mu sync.Mutex

	sessionID    string
	systemPrompt string
	messages     []Message
	tokenEst     int
	compaction   []CompactionRecord
	version      int64

	cfg        CompactionConfig
	store      MemoryManager
	summarizer Summarizer
	logger     *zap.Logger
}

// New creates a fresh Session, optionally seeding a system prompt. The
// session is not yet persisted — the caller must call Append/Save or rely
// on the AgentLoop's pre-turn hook to do so.
func New(sessionID, systemPrompt string, store MemoryManager, summarizer Summarizer, cfg CompactionConfig, logger *zap.Logger) *Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := &Session{
		sessionID:    sessionID,
		systemPrompt: systemPrompt,
		store:        store,
		summarizer:   summarizer,
		cfg:          cfg,
		logger:       logger,
	}
	if systemPrompt != "" {
		s.messages = append(s.messages, NewSystemMessage(systemPrompt))
	}
	return s
}

func (s *Session) ID() string { return s.sessionID }

// Load populates the Session from a MemoryManager-backed record, then runs
// repair_on_load() before returning — callers never see a broken I1 state.
func Load(ctx context.Context, sessionID string, store MemoryManager, summarizer Summarizer, cfg CompactionConfig, logger *zap.Logger) (*Session, error) {
	rec, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := store.GetCurrentContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := store.GetCompactionRecords(ctx, sessionID)
	if err != nil {
		records = nil
	}
	s := &Session{
		sessionID:    sessionID,
		systemPrompt: rec.SystemPrompt,
		messages:     msgs,
		version:      rec.Version,
		compaction:   records,
		cfg:          cfg,
		store:        store,
		summarizer:   summarizer,
		logger:       logger,
	}
	s.tokenEst = estimateTokens(s.messages)
	s.RepairOnLoad()
	return s, nil
}

// Append enforces I2 (append-only), I5 (tool_call id uniqueness), updates
// the rolling token estimate, and persists a snapshot.
func (s *Session) Append(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tc := range msg.ToolCalls {
		if tc.ID == "" {
			continue
		}
		for _, existing := range s.messages {
			for _, etc := range existing.ToolCalls {
				if etc.ID == tc.ID {
					return fmt.Errorf("session: invariant I5 violated: tool_call id %q reused", tc.ID)
				}
			}
		}
	}

	s.messages = append(s.messages, msg)
	s.tokenEst = estimateTokens(s.messages)
	s.version++

	if s.store != nil {
		if err := s.store.AddMessageToContext(ctx, s.sessionID, msg); err != nil {
			s.logger.Warn("session: persist append failed, continuing", zap.Error(err))
		}
	}
	return nil
}

// ContextForLLM returns ordered messages with excluded_from_context=true
// filtered out (I4).
func (s *Session) ContextForLLM() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.ExcludedFromContext {
			continue
		}
		out = append(out, m)
	}
	return out
}

// GetFullHistory returns all messages regardless of exclusion.
func (s *Session) GetFullHistory() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// SaveCurrentContext persists the full message list idempotently. Backend
// errors are logged and swallowed — the main flow must never fail here.
func (s *Session) SaveCurrentContext(ctx context.Context) {
	s.mu.Lock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.SaveCurrentContext(ctx, s.sessionID, msgs); err != nil {
		s.logger.Warn("session: save_current_context failed, swallowing", zap.Error(err))
	}
}

// MarkExcluded hides a message from future LLM context while keeping it in
// full history (I4), e.g. for each empty response the loop compensates for.
func (s *Session) MarkExcluded(ctx context.Context, messageID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].MessageID == messageID {
			s.messages[i].ExcludedFromContext = true
			s.messages[i].ExcludedReason = reason
			if s.store != nil {
				if err := s.store.UpdateMessageInContext(ctx, s.sessionID, s.messages[i]); err != nil {
					s.logger.Warn("session: mark_excluded persist failed, swallowing", zap.Error(err))
				}
			}
			return
		}
	}
}

// RepairOnLoad scans for assistant messages whose tool_calls are not fully
// answered and synthesizes TOOL_CALL_INTERRUPTED tool messages for each
// missing id, in ascending index order, inserted immediately after the
// offending assistant message (S6). Grounded on the dangling-tool-call
// repair pattern, adapted to insert in place rather than append at the end.
func (s *Session) RepairOnLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = repairDangling(s.messages, s.logger)
	s.tokenEst = estimateTokens(s.messages)
}

func repairDangling(messages []Message, logger *zap.Logger) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg)
		if msg.Role != RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}

		answered := make(map[string]bool)
		// Scan the rest of the (original) message list for tool responses to
		// this assistant turn's calls — since repair runs on a freshly loaded,
		// unmodified list, a simple forward scan from here is sufficient.
		idx := indexOf(messages, msg)
		for j := idx + 1; j < len(messages); j++ {
			if messages[j].Role == RoleTool {
				answered[messages[j].ToolCallID] = true
			}
			if messages[j].Role == RoleAssistant {
				break
			}
		}

		sorted := append([]ToolCall(nil), msg.ToolCalls...)
		sortByIndex(sorted)
		for _, tc := range sorted {
			if tc.ID == "" || answered[tc.ID] {
				continue
			}
			if logger != nil {
				logger.Info("session: repairing dangling tool_call",
					zap.String("tool_call_id", tc.ID),
					zap.String("tool", tc.Function.Name),
				)
			}
			out = append(out, NewToolMessage(tc.ID, toolCallInterruptedContent))
		}
	}
	return out
}

func indexOf(messages []Message, target Message) int {
	for i := range messages {
		if messages[i].MessageID == target.MessageID {
			return i
		}
	}
	return -1
}

func sortByIndex(calls []ToolCall) {
	for i := 1; i < len(calls); i++ {
		for j := i; j > 0 && calls[j].Index < calls[j-1].Index; j-- {
			calls[j], calls[j-1] = calls[j-1], calls[j]
		}
	}
}

// NeedsCompaction reports whether the rolling token estimate crosses the
// configured trigger ratio of the provider's max token budget.
func (s *Session) NeedsCompaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxTokens <= 0 {
		return false
	}
	ratio := float64(s.tokenEst) / float64(s.cfg.MaxTokens)
	return ratio >= s.cfg.TriggerRatio
}

// TokenEstimate returns the current rolling token estimate.
func (s *Session) TokenEstimate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenEst
}

// CompactBeforeNextLLMCall implements §4.4's algorithm: partition into
// pinned prefix / middle / tail window (never splitting an assistant+tools
// group), summarize the middle, replace it with one synthetic message, and
// record a compaction journal entry. On summary failure the message list is
// left unchanged and a failed journal entry is recorded; it does not retry
// within the same turn.
func (s *Session) CompactBeforeNextLLMCall(ctx context.Context, reason string) error {
	s.mu.Lock()
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	s.mu.Unlock()

	pinnedLen := 0
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		pinnedLen = 1
	}

	keep := s.cfg.KeepMessagesNum
	if keep <= 0 {
		keep = 40
	}
	tailStart := len(messages) - keep
	if tailStart < pinnedLen {
		// Nothing meaningful to compact.
		return nil
	}
	// Never split an assistant+tools group: walk tailStart backward past any
	// tool messages that answer an assistant message now inside the tail.
	for tailStart > pinnedLen && messages[tailStart].Role == RoleTool {
		tailStart--
	}

	middle := messages[pinnedLen:tailStart]
	if len(middle) == 0 {
		return nil
	}

	tokensBefore := estimateTokens(messages)
	archivedIDs := make([]string, 0, len(middle))
	for _, m := range middle {
		archivedIDs = append(archivedIDs, m.MessageID)
	}

	summary, err := s.summarizeMiddle(ctx, middle)
	rec := CompactionRecord{
		CompactionID:      uuid.NewString(),
		CompactedAtUnix:   time.Now().Unix(),
		MessagesBefore:    len(messages),
		ArchivedMessageID: archivedIDs,
		TokensBefore:      tokensBefore,
		Reason:            reason,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil || strings.TrimSpace(summary) == "" {
		rec.Success = false
		rec.MessagesAfter = len(messages)
		rec.TokensAfter = tokensBefore
		s.compaction = append(s.compaction, rec)
		if s.store != nil {
			_ = s.store.AppendCompactionRecord(ctx, s.sessionID, rec)
		}
		if s.logger != nil {
			s.logger.Warn("session: compaction summary failed, leaving messages unchanged", zap.Error(err))
		}
		return nil
	}

	summaryMsg := Message{
		MessageID: uuid.NewString(),
		Role:      RoleAssistant,
		Content:   summary,
		Type:      TypeText,
		Meta:      map[string]any{"compacted": true},
		CreatedAt: time.Now(),
	}

	rebuilt := make([]Message, 0, pinnedLen+1+len(messages)-tailStart)
	rebuilt = append(rebuilt, messages[:pinnedLen]...)
	rebuilt = append(rebuilt, summaryMsg)
	rebuilt = append(rebuilt, messages[tailStart:]...)

	if verr := ValidateInvariants(rebuilt); verr != nil {
		rec.Success = false
		rec.MessagesAfter = len(messages)
		rec.TokensAfter = tokensBefore
		s.compaction = append(s.compaction, rec)
		if s.logger != nil {
			s.logger.Error("session: compaction would violate invariants, aborting", zap.Error(verr))
		}
		return nil
	}

	s.messages = rebuilt
	s.tokenEst = estimateTokens(rebuilt)
	s.version++

	rec.Success = true
	rec.MessagesAfter = len(rebuilt)
	rec.TokensAfter = s.tokenEst
	s.compaction = append(s.compaction, rec)

	if s.store != nil {
		if err := s.store.SaveCurrentContext(ctx, s.sessionID, rebuilt); err != nil {
			s.logger.Warn("session: compaction save failed, swallowing", zap.Error(err))
		}
		if err := s.store.AppendCompactionRecord(ctx, s.sessionID, rec); err != nil {
			s.logger.Warn("session: compaction journal persist failed, swallowing", zap.Error(err))
		}
	}
	return nil
}

func (s *Session) summarizeMiddle(ctx context.Context, middle []Message) (string, error) {
	if s.summarizer == nil {
		return truncationSummary(middle), nil
	}
	summary, err := s.summarizer.Summarize(ctx, middle, s.cfg.MaxOutputTokens)
	if err != nil {
		return "", err
	}
	return summary, nil
}

// CompactionRecords returns the compaction journal.
func (s *Session) CompactionRecords() []CompactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompactionRecord, len(s.compaction))
	copy(out, s.compaction)
	return out
}

// truncationSummary is the deterministic summary used when no Summarizer
// is wired, grounded on the teacher's
// truncation-based compaction fallback.
func truncationSummary(messages []Message) string {
	var parts []string
	toolCalls, assistantMsgs, userMsgs := 0, 0, 0
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			assistantMsgs++
			toolCalls += len(msg.ToolCalls)
			if msg.Content != "" {
				text := msg.Content
				if len(text) > 200 {
					text = text[:200] + "..."
				}
				parts = append(parts, fmt.Sprintf("Assistant: %s", text))
			}
		case RoleUser:
			userMsgs++
			text := msg.Content
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			parts = append(parts, fmt.Sprintf("User: %s", text))
		}
	}
	return fmt.Sprintf(
		"[Context compacted: %d messages summarized (%d user, %d assistant, %d tool calls)]\n\n%s",
		len(messages), userMsgs, assistantMsgs, toolCalls, strings.Join(parts, "\n"),
	)
}

// estimateTokens is the same ~3-chars-per-token heuristic (blend of English
// ~4, CJK ~2) the teacher uses in ContextGuard.
func estimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 3
		for _, p := range msg.Parts {
			if p.Type == PartText {
				total += len(p.Text) / 3
			} else {
				total += 85
			}
		}
		for _, tc := range msg.ToolCalls {
			total += len(tc.Function.Name) + len(tc.Function.Arguments)/3 + 50
		}
	}
	total += len(messages) * 4
	return total
}
