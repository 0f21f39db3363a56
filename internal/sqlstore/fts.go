package sqlstore

import (
	"context"
	"time"

	"memory-engine/internal/memerr"
)

// FTSMessageHit is one lexical hit against messages_fts, joined back to
// its parent message.
type FTSMessageHit struct {
	MessageID      string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
	BM25           float64
}

// FTSChunkHit is one lexical hit against chunks_fts, joined back to its
// parent chunk.
type FTSChunkHit struct {
	ChunkID         string
	ParentMessageID string
	ConversationID  string
	ChunkIndex      int
	ChunkKind       string
	Content         string
	Language        *string
	TokenEstimate   int
	CreatedAt       time.Time
	BM25            float64
}

// SearchMessagesFTS runs a MATCH query against messages_fts, optionally
// scoped to a conversation, returning up to limit hits ordered by
// ascending bm25 (lower is better). An empty matchQuery returns no
// results without touching the database.
func (s *Store) SearchMessagesFTS(ctx context.Context, matchQuery string, conversationID *string, limit int) ([]FTSMessageHit, error) {
	if matchQuery == "" {
		return nil, nil
	}

	query := `
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at, bm25(messages_fts) AS score
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.message_id
		WHERE messages_fts MATCH ?`
	args := []interface{}{matchQuery}
	if conversationID != nil {
		query += ` AND messages_fts.conversation_id = ?`
		args = append(args, *conversationID)
	}
	query += ` ORDER BY score ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer rows.Close()

	var out []FTSMessageHit
	for rows.Next() {
		var h FTSMessageHit
		var createdAt string
		if err := rows.Scan(&h.MessageID, &h.ConversationID, &h.Role, &h.Content, &createdAt, &h.BM25); err != nil {
			return nil, memerr.New(memerr.Persistence, "sqlstore", err)
		}
		h.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// SearchChunksFTS runs a MATCH query against chunks_fts, optionally
// scoped to a conversation.
func (s *Store) SearchChunksFTS(ctx context.Context, matchQuery string, conversationID *string, limit int) ([]FTSChunkHit, error) {
	if matchQuery == "" {
		return nil, nil
	}

	query := `
		SELECT c.id, c.parent_message_id, c.conversation_id, c.chunk_index, c.chunk_kind,
		       c.content, c.language, c.token_estimate, c.created_at, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN message_chunks c ON c.id = chunks_fts.chunk_id
		WHERE chunks_fts MATCH ?`
	args := []interface{}{matchQuery}
	if conversationID != nil {
		query += ` AND chunks_fts.conversation_id = ?`
		args = append(args, *conversationID)
	}
	query += ` ORDER BY score ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer rows.Close()

	var out []FTSChunkHit
	for rows.Next() {
		var h FTSChunkHit
		var createdAt string
		var language *string
		if err := rows.Scan(&h.ChunkID, &h.ParentMessageID, &h.ConversationID, &h.ChunkIndex, &h.ChunkKind,
			&h.Content, &language, &h.TokenEstimate, &createdAt, &h.BM25); err != nil {
			return nil, memerr.New(memerr.Persistence, "sqlstore", err)
		}
		h.Language = language
		h.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountMessagesFTS returns the number of rows in messages_fts. It must
// always equal the count of user/assistant messages.
func (s *Store) CountMessagesFTS(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages_fts`).Scan(&n)
	if err != nil {
		return 0, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return n, nil
}
