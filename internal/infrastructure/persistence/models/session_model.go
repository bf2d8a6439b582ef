package models

import "time"

// SessionModel is the persisted envelope for one agent Session (identity
// only — the message rows below carry the actual context/history).
type SessionModel struct {
	SessionID    string `gorm:"primaryKey;size:64"`
	SystemPrompt string `gorm:"type:text"`
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SessionModel) TableName() string { return "agent_sessions" }

// SessionMessageModel is one session.Message, persisted twice over (see
// ContextMessageModel/HistoryMessageModel below) because the current
// context is wholesale-replaceable by compaction while the full history
// is append-only and must survive it.
type SessionMessageModel struct {
	SessionID           string `gorm:"primaryKey;size:64;index:idx_session_seq"`
	MessageID           string `gorm:"primaryKey;size:64"`
	SeqIndex            int    `gorm:"index:idx_session_seq"`
	Role                string `gorm:"size:16"`
	Content             string `gorm:"type:text"`
	PartsJSON           string `gorm:"type:text"`
	ReasoningContent    string `gorm:"type:text"`
	ToolCallsJSON       string `gorm:"type:text"`
	ToolCallID          string `gorm:"size:64"`
	Type                string `gorm:"size:16"`
	FinishReason        string `gorm:"size:32"`
	UsageJSON           string `gorm:"type:text"`
	ExcludedFromContext bool
	ExcludedReason      string `gorm:"size:128"`
	MetaJSON            string `gorm:"type:text"`
	CreatedAt           time.Time
}

// ContextMessageModel is the current (possibly compacted) context log.
type ContextMessageModel struct {
	SessionMessageModel
}

func (ContextMessageModel) TableName() string { return "agent_session_context" }

// HistoryMessageModel is the append-only full history, never pruned by
// compaction (spec §4.4: "the full history remains available via
// GetFullHistory regardless of compaction").
type HistoryMessageModel struct {
	SessionMessageModel
}

func (HistoryMessageModel) TableName() string { return "agent_session_history" }

// CompactionRecordModel is one entry of a session's compaction journal.
type CompactionRecordModel struct {
	SessionID         string `gorm:"primaryKey;size:64;index:idx_session_compacted"`
	CompactionID      string `gorm:"primaryKey;size:64"`
	CompactedAtUnix   int64  `gorm:"index:idx_session_compacted"`
	MessagesBefore    int
	MessagesAfter     int
	ArchivedMessageID string `gorm:"type:text"` // JSON-encoded []string
	TokensBefore      int
	TokensAfter       int
	Reason            string `gorm:"type:text"`
	Success           bool
}

func (CompactionRecordModel) TableName() string { return "agent_session_compactions" }
