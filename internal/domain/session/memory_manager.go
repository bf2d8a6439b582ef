package session

import "context"

// MemoryManager is the persistence interface Session is built on (spec §6).
// Backends are plug-in: internal/infrastructure/persistence provides an
// in-memory store and a relational (GORM) store; there is no file-backed
// implementation.
type MemoryManager interface {
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error

	CreateSession(ctx context.Context, sessionID, systemPrompt string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	GetCurrentContext(ctx context.Context, sessionID string) ([]Message, error)
	SaveCurrentContext(ctx context.Context, sessionID string, messages []Message) error

	AddMessageToContext(ctx context.Context, sessionID string, msg Message) error
	UpdateMessageInContext(ctx context.Context, sessionID string, msg Message) error

	GetFullHistory(ctx context.Context, sessionID string) ([]Message, error)

	AppendCompactionRecord(ctx context.Context, sessionID string, rec CompactionRecord) error
	GetCompactionRecords(ctx context.Context, sessionID string) ([]CompactionRecord, error)
}

// SessionRecord is the persisted envelope around a Session's identity.
type SessionRecord struct {
	SessionID    string
	SystemPrompt string
	Version      int64
}

// CompactionRecord is one entry in a Session's compaction journal (§4.4 step 3).
type CompactionRecord struct {
	CompactionID      string   `json:"compaction_id"`
	CompactedAtUnix   int64    `json:"compacted_at"`
	MessagesBefore    int      `json:"messages_before"`
	MessagesAfter     int      `json:"messages_after"`
	ArchivedMessageID []string `json:"archived_message_ids"`
	TokensBefore      int      `json:"tokens_before"`
	TokensAfter       int      `json:"tokens_after"`
	Reason            string   `json:"reason"`
	Success           bool     `json:"success"`
}
