package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"memory-engine/internal/chunker"
	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// ReplaceMessageChunks atomically replaces a message's chunk set
// (delete-then-insert in one transaction, so observers see either the
// full new set or the previous one) and returns the persisted rows in
// index order. Passing the same drafts twice yields the same final rows.
func (s *Store) ReplaceMessageChunks(ctx context.Context, parentMessageID, conversationID string, drafts []chunker.Draft, at time.Time) ([]*models.MessageChunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_chunks WHERE parent_message_id = ?`, parentMessageID); err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}

	chunks := make([]*models.MessageChunk, 0, len(drafts))
	for i, d := range drafts {
		var lang *string
		if d.Kind == chunker.KindCode && d.Language != "" {
			l := d.Language
			lang = &l
		}
		c := &models.MessageChunk{
			ID:              fmt.Sprintf("%s_chunk_%d", parentMessageID, i),
			ParentMessageID: parentMessageID,
			ConversationID:  conversationID,
			ChunkIndex:      i,
			ChunkKind:       models.ChunkKind(d.Kind),
			Content:         d.Content,
			Language:        lang,
			TokenEstimate:   d.TokenEstimate,
			CreatedAt:       at,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_chunks (
				id, parent_message_id, conversation_id, chunk_index,
				chunk_kind, content, language, token_estimate, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ParentMessageID, c.ConversationID, c.ChunkIndex,
			string(c.ChunkKind), c.Content, nullableString(c.Language), c.TokenEstimate,
			c.CreatedAt.Format(timeLayout))
		if err != nil {
			return nil, memerr.New(memerr.Persistence, "sqlstore", err)
		}
		chunks = append(chunks, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return chunks, nil
}

// GetMessagesWithoutChunks returns user/assistant messages that have no
// chunk rows yet, oldest first, capped at limit (0 = unbounded). The
// chunk-backfill pass uses it to pick up messages ingested while
// chunking was disabled.
func (s *Store) GetMessagesWithoutChunks(ctx context.Context, limit int) ([]*models.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at, m.tokens_used,
		       m.tool_calls, m.tool_results, m.model_used, m.temperature,
		       m.code_identifiers, m.content_hash
		FROM messages m
		LEFT JOIN message_chunks c ON c.parent_message_id = m.id
		WHERE m.role IN ('user','assistant') AND c.id IS NULL
		ORDER BY m.created_at ASC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetChunksForMessage returns a message's chunks in index order.
func (s *Store) GetChunksForMessage(ctx context.Context, parentMessageID string) ([]*models.MessageChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_message_id, conversation_id, chunk_index, chunk_kind,
		       content, language, token_estimate, created_at
		FROM message_chunks WHERE parent_message_id = ? ORDER BY chunk_index ASC`, parentMessageID)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func scanChunkRows(rows *sql.Rows) ([]*models.MessageChunk, error) {
	var out []*models.MessageChunk
	for rows.Next() {
		var c models.MessageChunk
		var kind, createdAt string
		var language sql.NullString
		if err := rows.Scan(&c.ID, &c.ParentMessageID, &c.ConversationID, &c.ChunkIndex,
			&kind, &c.Content, &language, &c.TokenEstimate, &createdAt); err != nil {
			return nil, memerr.New(memerr.Persistence, "sqlstore", err)
		}
		c.ChunkKind = models.ChunkKind(kind)
		c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if language.Valid {
			c.Language = &language.String
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
