package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// InsertEmbeddingMetadata records a new per-item embedding attempt,
// tracked independently of whether the vector-index upsert itself
// succeeds.
func (s *Store) InsertEmbeddingMetadata(ctx context.Context, em *models.EmbeddingMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_metadata (id, message_id, conversation_id, chroma_id, created_at, embedding_status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		em.ID, em.MessageID, em.ConversationID, nullableString(em.ChromaID),
		em.CreatedAt.Format(timeLayout), string(em.EmbeddingStatus), nullableString(em.ErrorMessage))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// UpdateEmbeddingStatus records the outcome of a vector-index upsert
// for a message's embedding_metadata row.
func (s *Store) UpdateEmbeddingStatus(ctx context.Context, messageID string, status models.EmbeddingStatus, chromaID, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE embedding_metadata SET embedding_status = ?, chroma_id = COALESCE(?, chroma_id), error_message = ?
		WHERE message_id = ?`,
		string(status), nullableString(chromaID), nullableString(errMsg), messageID)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// GetEmbeddingMetadataByMessage fetches the embedding metadata row for
// a message, or nil if none has been recorded yet.
func (s *Store) GetEmbeddingMetadataByMessage(ctx context.Context, messageID string) (*models.EmbeddingMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, conversation_id, chroma_id, created_at, embedding_status, error_message
		FROM embedding_metadata WHERE message_id = ?`, messageID)

	var em models.EmbeddingMetadata
	var createdAt, status string
	var chromaID, errMsg sql.NullString
	err := row.Scan(&em.ID, &em.MessageID, &em.ConversationID, &chromaID, &createdAt, &status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	em.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	em.EmbeddingStatus = models.EmbeddingStatus(status)
	if chromaID.Valid {
		em.ChromaID = &chromaID.String
	}
	if errMsg.Valid {
		em.ErrorMessage = &errMsg.String
	}
	return &em, nil
}
