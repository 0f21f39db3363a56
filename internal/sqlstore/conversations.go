package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

const timeLayout = time.RFC3339Nano

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return memerr.New(memerr.Contract, "sqlstore", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, total_tokens, summary, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.CreatedAt.Format(timeLayout), c.UpdatedAt.Format(timeLayout),
		c.TotalTokens, c.Summary, string(tags))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at, total_tokens, summary, tags
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var createdAt, updatedAt, tags string
	var summary sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &createdAt, &updatedAt, &c.TotalTokens, &summary, &tags); err != nil {
		if err == sql.ErrNoRows {
			return nil, memerr.Newf(memerr.Contract, "sqlstore", "conversation not found")
		}
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	c.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if summary.Valid {
		c.Summary = &summary.String
	}
	_ = json.Unmarshal([]byte(tags), &c.Tags)
	return &c, nil
}

// TouchConversation bumps updated_at and optionally adds tokens. Every
// child mutation goes through it so updated_at tracks activity.
func (s *Store) TouchConversation(ctx context.Context, id string, addTokens int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ?, total_tokens = total_tokens + ?
		WHERE id = ?`, at.Format(timeLayout), addTokens, id)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// SetConversationSummaryText keeps conversations.summary in sync with
// the conversation_summaries table.
func (s *Store) SetConversationSummaryText(ctx context.Context, id, summary string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, at.Format(timeLayout), id)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// DeleteConversation removes a conversation; cascades delete messages,
// chunks, summaries, and health/events rows via foreign keys.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// HasIndexedMessages reports whether the conversation has any
// user/assistant messages, used by the retriever's conversation-first
// fallback check.
func (s *Store) HasIndexedMessages(ctx context.Context, conversationID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role IN ('user','assistant')`,
		conversationID).Scan(&count)
	if err != nil {
		return false, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return count > 0, nil
}

// Stats computes the get_stats() snapshot.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&stats.Conversations)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.Messages)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embedding_metadata WHERE embedding_status = 'pending'`).Scan(&stats.PendingEmbeddings)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total_tokens),0) FROM conversations`).Scan(&stats.TotalTokens)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(created_at) FROM messages`).Scan(&oldest, &newest)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	if oldest.Valid {
		t, _ := time.Parse(timeLayout, oldest.String)
		stats.Oldest = &t
	}
	if newest.Valid {
		t, _ := time.Parse(timeLayout, newest.String)
		stats.Newest = &t
	}
	return &stats, nil
}
