package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// UpsertConversationSummary writes the rolling summary for a
// conversation, resetting embedding_status to pending and clearing any
// prior error, and keeps conversations.summary in sync (both updates
// happen in one transaction).
func (s *Store) UpsertConversationSummary(ctx context.Context, conversationID, summary string, contentHash *string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_summaries (conversation_id, summary, updated_at, content_hash, embedding_status, error_message)
		VALUES (?, ?, ?, ?, 'pending', NULL)
		ON CONFLICT(conversation_id) DO UPDATE SET
			summary = excluded.summary,
			updated_at = excluded.updated_at,
			content_hash = excluded.content_hash,
			embedding_status = 'pending',
			error_message = NULL`,
		conversationID, summary, at.Format(timeLayout), nullableString(contentHash))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, at.Format(timeLayout), conversationID); err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}

	if err := tx.Commit(); err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// GetConversationSummary fetches the summary row, or nil if absent.
func (s *Store) GetConversationSummary(ctx context.Context, conversationID string) (*models.ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, summary, updated_at, content_hash, embedding_status, error_message
		FROM conversation_summaries WHERE conversation_id = ?`, conversationID)

	var cs models.ConversationSummary
	var updatedAt, status string
	var contentHash, errMsg sql.NullString
	err := row.Scan(&cs.ConversationID, &cs.Summary, &updatedAt, &contentHash, &status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	cs.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	cs.EmbeddingStatus = models.EmbeddingStatus(status)
	if contentHash.Valid {
		cs.ContentHash = &contentHash.String
	}
	if errMsg.Valid {
		cs.ErrorMessage = &errMsg.String
	}
	return &cs, nil
}

// SetSummaryEmbeddingStatus updates the summary's embedding outcome
// after a vector-index upsert attempt.
func (s *Store) SetSummaryEmbeddingStatus(ctx context.Context, conversationID string, status models.EmbeddingStatus, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_summaries SET embedding_status = ?, error_message = ? WHERE conversation_id = ?`,
		string(status), nullableString(errMsg), conversationID)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}
