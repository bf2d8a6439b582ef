package persistence

import (
	"context"
	"sync"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/pkg/errors"
)

// sessionEntry holds one session's state, mirroring the split between a
// wholesale-replaceable current context and an append-only full history
// that session.MemoryManager requires (spec §4.4/§6).
type sessionEntry struct {
	systemPrompt      string
	version           int64
	currentContext    []session.Message
	fullHistory       []session.Message
	compactionRecords []session.CompactionRecord
}

// MemorySessionStore is the in-memory session.MemoryManager implementation
// (mandatory per spec §6, for development/testing), grounded on the
// teacher's MemoryMessageRepository/MemoryAgentRepository: a
// sync.RWMutex-guarded map keyed by identity, returning
// pkg/errors.NewNotFoundError for misses.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewMemorySessionStore creates an in-memory MemoryManager.
func NewMemorySessionStore() session.MemoryManager {
	return &MemorySessionStore{sessions: make(map[string]*sessionEntry)}
}

func (s *MemorySessionStore) Initialize(ctx context.Context) error { return nil }
func (s *MemorySessionStore) Close(ctx context.Context) error      { return nil }

func (s *MemorySessionStore) CreateSession(ctx context.Context, sessionID, systemPrompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return sessionID, nil
	}
	s.sessions[sessionID] = &sessionEntry{
		systemPrompt:   systemPrompt,
		version:        1,
		currentContext: make([]session.Message, 0),
		fullHistory:    make([]session.Message, 0),
	}
	return sessionID, nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, sessionID string) (*session.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("session not found")
	}
	return &session.SessionRecord{SessionID: sessionID, SystemPrompt: entry.systemPrompt, Version: entry.version}, nil
}

func (s *MemorySessionStore) GetCurrentContext(ctx context.Context, sessionID string) ([]session.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("session not found")
	}
	out := make([]session.Message, len(entry.currentContext))
	copy(out, entry.currentContext)
	return out, nil
}

func (s *MemorySessionStore) SaveCurrentContext(ctx context.Context, sessionID string, messages []session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session not found")
	}
	entry.currentContext = make([]session.Message, len(messages))
	copy(entry.currentContext, messages)
	entry.version++
	return nil
}

func (s *MemorySessionStore) AddMessageToContext(ctx context.Context, sessionID string, msg session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session not found")
	}
	entry.currentContext = append(entry.currentContext, msg)
	entry.fullHistory = append(entry.fullHistory, msg)
	entry.version++
	return nil
}

func (s *MemorySessionStore) UpdateMessageInContext(ctx context.Context, sessionID string, msg session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session not found")
	}
	updated := false
	for i := range entry.currentContext {
		if entry.currentContext[i].MessageID == msg.MessageID {
			entry.currentContext[i] = msg
			updated = true
			break
		}
	}
	for i := range entry.fullHistory {
		if entry.fullHistory[i].MessageID == msg.MessageID {
			entry.fullHistory[i] = msg
			break
		}
	}
	if !updated {
		return errors.NewNotFoundError("message not found in current context")
	}
	entry.version++
	return nil
}

func (s *MemorySessionStore) GetFullHistory(ctx context.Context, sessionID string) ([]session.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("session not found")
	}
	out := make([]session.Message, len(entry.fullHistory))
	copy(out, entry.fullHistory)
	return out, nil
}

func (s *MemorySessionStore) AppendCompactionRecord(ctx context.Context, sessionID string, rec session.CompactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("session not found")
	}
	entry.compactionRecords = append(entry.compactionRecords, rec)
	return nil
}

func (s *MemorySessionStore) GetCompactionRecords(ctx context.Context, sessionID string) ([]session.CompactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("session not found")
	}
	out := make([]session.CompactionRecord, len(entry.compactionRecords))
	copy(out, entry.compactionRecords)
	return out, nil
}
