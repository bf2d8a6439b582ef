package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/infrastructure/persistence/models"
	domainErrors "github.com/wangrenren611/coding-agent-sub001/pkg/errors"
	"gorm.io/gorm"
)

// GormSessionStore is the relational session.MemoryManager backend
// (sqlite/postgres via db.go's NewDBConnection), grounded on the teacher's
// GormMessageRepository/GormAgentRepository: a thin GORM layer translating
// between domain types and row models, wrapped in NotFound/Internal
// AppErrors the same way those repositories do.
//
// The current context and full history are kept in separate tables
// (agent_session_context, agent_session_history) because compaction
// wholesale-replaces the former while the latter is append-only — the
// same split MemorySessionStore keeps in memory.
type GormSessionStore struct {
	db *gorm.DB
}

// NewGormSessionStore creates a GORM-backed MemoryManager. Call Initialize
// before use to run AutoMigrate for the session tables.
func NewGormSessionStore(db *gorm.DB) session.MemoryManager {
	return &GormSessionStore{db: db}
}

func (s *GormSessionStore) Initialize(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&models.SessionModel{},
		&models.ContextMessageModel{},
		&models.HistoryMessageModel{},
		&models.CompactionRecordModel{},
	)
	if err != nil {
		return domainErrors.NewInternalError("failed to migrate session tables: " + err.Error())
	}
	return nil
}

func (s *GormSessionStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return domainErrors.NewInternalError("failed to get underlying sql.DB: " + err.Error())
	}
	return sqlDB.Close()
}

func (s *GormSessionStore) CreateSession(ctx context.Context, sessionID, systemPrompt string) (string, error) {
	var existing models.SessionModel
	err := s.db.WithContext(ctx).First(&existing, "session_id = ?", sessionID).Error
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domainErrors.NewInternalError("failed to look up session: " + err.Error())
	}

	now := time.Now()
	model := &models.SessionModel{
		SessionID:    sessionID,
		SystemPrompt: systemPrompt,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return "", domainErrors.NewInternalError("failed to create session: " + err.Error())
	}
	return sessionID, nil
}

func (s *GormSessionStore) GetSession(ctx context.Context, sessionID string) (*session.SessionRecord, error) {
	var model models.SessionModel
	if err := s.db.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("session not found")
		}
		return nil, domainErrors.NewInternalError("failed to find session: " + err.Error())
	}
	return &session.SessionRecord{SessionID: model.SessionID, SystemPrompt: model.SystemPrompt, Version: model.Version}, nil
}

func (s *GormSessionStore) GetCurrentContext(ctx context.Context, sessionID string) ([]session.Message, error) {
	var rows []models.ContextMessageModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq_index asc").
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to load context: " + err.Error())
	}
	out := make([]session.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := rowToMessage(row.SessionMessageModel)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *GormSessionStore) SaveCurrentContext(ctx context.Context, sessionID string, messages []session.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.ContextMessageModel{}).Error; err != nil {
			return domainErrors.NewInternalError("failed to clear context: " + err.Error())
		}
		for i, msg := range messages {
			row, err := messageToRow(sessionID, i, msg)
			if err != nil {
				return err
			}
			if err := tx.Create(&models.ContextMessageModel{SessionMessageModel: row}).Error; err != nil {
				return domainErrors.NewInternalError("failed to save context message: " + err.Error())
			}
		}
		return tx.Model(&models.SessionModel{}).Where("session_id = ?", sessionID).
			UpdateColumn("version", gorm.Expr("version + 1")).Error
	})
}

func (s *GormSessionStore) AddMessageToContext(ctx context.Context, sessionID string, msg session.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		tx.Model(&models.ContextMessageModel{}).Where("session_id = ?", sessionID).Count(&maxSeq)
		row, err := messageToRow(sessionID, int(maxSeq), msg)
		if err != nil {
			return err
		}
		if err := tx.Create(&models.ContextMessageModel{SessionMessageModel: row}).Error; err != nil {
			return domainErrors.NewInternalError("failed to append context message: " + err.Error())
		}

		var histSeq int64
		tx.Model(&models.HistoryMessageModel{}).Where("session_id = ?", sessionID).Count(&histSeq)
		histRow, err := messageToRow(sessionID, int(histSeq), msg)
		if err != nil {
			return err
		}
		if err := tx.Create(&models.HistoryMessageModel{SessionMessageModel: histRow}).Error; err != nil {
			return domainErrors.NewInternalError("failed to append history message: " + err.Error())
		}

		return tx.Model(&models.SessionModel{}).Where("session_id = ?", sessionID).
			UpdateColumn("version", gorm.Expr("version + 1")).Error
	})
}

func (s *GormSessionStore) UpdateMessageInContext(ctx context.Context, sessionID string, msg session.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ContextMessageModel{}).
			Where("session_id = ? AND message_id = ?", sessionID, msg.MessageID)
		row, err := messageToRow(sessionID, 0, msg)
		if err != nil {
			return err
		}
		updates := rowUpdateColumns(row)
		if err := result.Updates(updates).Error; err != nil {
			return domainErrors.NewInternalError("failed to update context message: " + err.Error())
		}
		if result.RowsAffected == 0 {
			return domainErrors.NewNotFoundError("message not found in current context")
		}

		tx.Model(&models.HistoryMessageModel{}).
			Where("session_id = ? AND message_id = ?", sessionID, msg.MessageID).
			Updates(updates)

		return tx.Model(&models.SessionModel{}).Where("session_id = ?", sessionID).
			UpdateColumn("version", gorm.Expr("version + 1")).Error
	})
}

func (s *GormSessionStore) GetFullHistory(ctx context.Context, sessionID string) ([]session.Message, error) {
	var rows []models.HistoryMessageModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq_index asc").
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to load history: " + err.Error())
	}
	out := make([]session.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := rowToMessage(row.SessionMessageModel)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *GormSessionStore) AppendCompactionRecord(ctx context.Context, sessionID string, rec session.CompactionRecord) error {
	archivedJSON, err := json.Marshal(rec.ArchivedMessageID)
	if err != nil {
		return domainErrors.NewInternalError("failed to marshal archived message ids: " + err.Error())
	}
	model := &models.CompactionRecordModel{
		SessionID:         sessionID,
		CompactionID:      rec.CompactionID,
		CompactedAtUnix:   rec.CompactedAtUnix,
		MessagesBefore:    rec.MessagesBefore,
		MessagesAfter:     rec.MessagesAfter,
		ArchivedMessageID: string(archivedJSON),
		TokensBefore:      rec.TokensBefore,
		TokensAfter:       rec.TokensAfter,
		Reason:            rec.Reason,
		Success:           rec.Success,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to append compaction record: " + err.Error())
	}
	return nil
}

func (s *GormSessionStore) GetCompactionRecords(ctx context.Context, sessionID string) ([]session.CompactionRecord, error) {
	var rows []models.CompactionRecordModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("compacted_at_unix asc").
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to load compaction records: " + err.Error())
	}
	out := make([]session.CompactionRecord, 0, len(rows))
	for _, row := range rows {
		var archived []string
		if row.ArchivedMessageID != "" {
			_ = json.Unmarshal([]byte(row.ArchivedMessageID), &archived)
		}
		out = append(out, session.CompactionRecord{
			CompactionID:      row.CompactionID,
			CompactedAtUnix:   row.CompactedAtUnix,
			MessagesBefore:    row.MessagesBefore,
			MessagesAfter:     row.MessagesAfter,
			ArchivedMessageID: archived,
			TokensBefore:      row.TokensBefore,
			TokensAfter:       row.TokensAfter,
			Reason:            row.Reason,
			Success:           row.Success,
		})
	}
	return out, nil
}

// messageToRow/rowToMessage translate between session.Message and its
// JSON-flattened row shape, the same pattern GormMessageRepository uses for
// entity.Message's metadata column.

func messageToRow(sessionID string, seqIndex int, msg session.Message) (models.SessionMessageModel, error) {
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return models.SessionMessageModel{}, domainErrors.NewInternalError("failed to marshal parts: " + err.Error())
	}
	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return models.SessionMessageModel{}, domainErrors.NewInternalError("failed to marshal tool calls: " + err.Error())
	}
	usageJSON, err := json.Marshal(msg.Usage)
	if err != nil {
		return models.SessionMessageModel{}, domainErrors.NewInternalError("failed to marshal usage: " + err.Error())
	}
	metaJSON, err := json.Marshal(msg.Meta)
	if err != nil {
		return models.SessionMessageModel{}, domainErrors.NewInternalError("failed to marshal meta: " + err.Error())
	}
	return models.SessionMessageModel{
		SessionID:           sessionID,
		MessageID:           msg.MessageID,
		SeqIndex:            seqIndex,
		Role:                string(msg.Role),
		Content:             msg.Content,
		PartsJSON:           string(partsJSON),
		ReasoningContent:    msg.ReasoningContent,
		ToolCallsJSON:       string(toolCallsJSON),
		ToolCallID:          msg.ToolCallID,
		Type:                string(msg.Type),
		FinishReason:        string(msg.FinishReason),
		UsageJSON:           string(usageJSON),
		ExcludedFromContext: msg.ExcludedFromContext,
		ExcludedReason:      msg.ExcludedReason,
		MetaJSON:            string(metaJSON),
		CreatedAt:           msg.CreatedAt,
	}, nil
}

// rowUpdateColumns narrows a row down to the columns UpdateMessageInContext
// is allowed to touch (identity/ordering columns are left untouched).
func rowUpdateColumns(row models.SessionMessageModel) map[string]interface{} {
	return map[string]interface{}{
		"role":                  row.Role,
		"content":               row.Content,
		"parts_json":            row.PartsJSON,
		"reasoning_content":     row.ReasoningContent,
		"tool_calls_json":       row.ToolCallsJSON,
		"tool_call_id":          row.ToolCallID,
		"type":                  row.Type,
		"finish_reason":         row.FinishReason,
		"usage_json":            row.UsageJSON,
		"excluded_from_context": row.ExcludedFromContext,
		"excluded_reason":       row.ExcludedReason,
		"meta_json":             row.MetaJSON,
	}
}

func rowToMessage(row models.SessionMessageModel) (session.Message, error) {
	var parts []session.ContentPart
	if row.PartsJSON != "" && row.PartsJSON != "null" {
		if err := json.Unmarshal([]byte(row.PartsJSON), &parts); err != nil {
			return session.Message{}, domainErrors.NewInternalError("failed to unmarshal parts: " + err.Error())
		}
	}
	var toolCalls []session.ToolCall
	if row.ToolCallsJSON != "" && row.ToolCallsJSON != "null" {
		if err := json.Unmarshal([]byte(row.ToolCallsJSON), &toolCalls); err != nil {
			return session.Message{}, domainErrors.NewInternalError("failed to unmarshal tool calls: " + err.Error())
		}
	}
	var usage *session.Usage
	if row.UsageJSON != "" && row.UsageJSON != "null" {
		if err := json.Unmarshal([]byte(row.UsageJSON), &usage); err != nil {
			return session.Message{}, domainErrors.NewInternalError("failed to unmarshal usage: " + err.Error())
		}
	}
	var meta map[string]any
	if row.MetaJSON != "" && row.MetaJSON != "null" {
		if err := json.Unmarshal([]byte(row.MetaJSON), &meta); err != nil {
			return session.Message{}, domainErrors.NewInternalError("failed to unmarshal meta: " + err.Error())
		}
	}
	return session.ReconstructMessage(
		row.MessageID,
		session.Role(row.Role),
		row.Content,
		parts,
		row.ReasoningContent,
		toolCalls,
		row.ToolCallID,
		session.MessageType(row.Type),
		session.FinishReason(row.FinishReason),
		usage,
		row.ExcludedFromContext,
		row.ExcludedReason,
		meta,
		row.CreatedAt,
	), nil
}
