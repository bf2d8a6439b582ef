package session

import (
	"context"
	"fmt"
	"sync"
)

// inMemoryMemoryManagerForTest is a minimal MemoryManager used only by this
// package's tests, mirroring the shape of the real in-memory backend in
// internal/infrastructure/persistence without introducing an import cycle.
type inMemoryMemoryManagerForTest struct {
	mu         sync.Mutex
	sessions   map[string]*SessionRecord
	contexts   map[string][]Message
	compaction map[string][]CompactionRecord
}

func newInMemoryMemoryManagerForTest() *inMemoryMemoryManagerForTest {
	return &inMemoryMemoryManagerForTest{
		sessions:   make(map[string]*SessionRecord),
		contexts:   make(map[string][]Message),
		compaction: make(map[string][]CompactionRecord),
	}
}

func (m *inMemoryMemoryManagerForTest) Initialize(ctx context.Context) error { return nil }
func (m *inMemoryMemoryManagerForTest) Close(ctx context.Context) error     { return nil }

func (m *inMemoryMemoryManagerForTest) CreateSession(ctx context.Context, sessionID, systemPrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &SessionRecord{SessionID: sessionID, SystemPrompt: systemPrompt}
	return sessionID, nil
}

func (m *inMemoryMemoryManagerForTest) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return rec, nil
}

func (m *inMemoryMemoryManagerForTest) GetCurrentContext(ctx context.Context, sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.contexts[sessionID]))
	copy(out, m.contexts[sessionID])
	return out, nil
}

func (m *inMemoryMemoryManagerForTest) SaveCurrentContext(ctx context.Context, sessionID string, messages []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Message, len(messages))
	copy(cp, messages)
	m.contexts[sessionID] = cp
	return nil
}

func (m *inMemoryMemoryManagerForTest) AddMessageToContext(ctx context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[sessionID] = append(m.contexts[sessionID], msg)
	return nil
}

func (m *inMemoryMemoryManagerForTest) UpdateMessageInContext(ctx context.Context, sessionID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.contexts[sessionID] {
		if existing.MessageID == msg.MessageID {
			m.contexts[sessionID][i] = msg
			return nil
		}
	}
	return fmt.Errorf("message %s not found", msg.MessageID)
}

func (m *inMemoryMemoryManagerForTest) GetFullHistory(ctx context.Context, sessionID string) ([]Message, error) {
	return m.GetCurrentContext(ctx, sessionID)
}

func (m *inMemoryMemoryManagerForTest) AppendCompactionRecord(ctx context.Context, sessionID string, rec CompactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compaction[sessionID] = append(m.compaction[sessionID], rec)
	return nil
}

func (m *inMemoryMemoryManagerForTest) GetCompactionRecords(ctx context.Context, sessionID string) ([]CompactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompactionRecord, len(m.compaction[sessionID]))
	copy(out, m.compaction[sessionID])
	return out, nil
}

var _ MemoryManager = (*inMemoryMemoryManagerForTest)(nil)
