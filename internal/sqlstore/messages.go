package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// SaveMessage inserts a message row. Callers are responsible for
// bumping the parent conversation's updated_at/total_tokens via
// TouchConversation in the same logical operation.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	toolCalls, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return memerr.New(memerr.Contract, "sqlstore", err)
	}
	toolResults, err := json.Marshal(m.ToolResults)
	if err != nil {
		return memerr.New(memerr.Contract, "sqlstore", err)
	}
	codeIdentifiers, err := json.Marshal(m.CodeIdentifiers)
	if err != nil {
		return memerr.New(memerr.Contract, "sqlstore", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, role, content, created_at, tokens_used,
			tool_calls, tool_results, model_used, temperature,
			code_identifiers, content_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt.Format(timeLayout),
		nullableInt(m.TokensUsed), string(toolCalls), string(toolResults),
		nullableString(m.ModelUsed), nullableFloat(m.Temperature),
		string(codeIdentifiers), m.ContentHash)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, created_at, tokens_used,
		       tool_calls, tool_results, model_used, temperature,
		       code_identifiers, content_hash
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetConversationMessages returns a conversation's messages ordered by
// created_at ("asc", the default, reproduces authoring order; "desc"
// reverses it), optionally capped at limit (0 = unbounded).
func (s *Store) GetConversationMessages(ctx context.Context, conversationID, order string, limit int) ([]*models.Message, error) {
	dir := "ASC"
	if order == "desc" {
		dir = "DESC"
	}
	query := `
		SELECT id, conversation_id, role, content, created_at, tokens_used,
		       tool_calls, tool_results, model_used, temperature,
		       code_identifiers, content_hash
		FROM messages WHERE conversation_id = ? ORDER BY created_at ` + dir
	args := []interface{}{conversationID}
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

// FindMessageByHash returns the earliest message in a conversation with
// the same role and content hash, or nil when none exists. Ingestion
// consults it before inserting so re-ingesting identical content is
// idempotent.
func (s *Store) FindMessageByHash(ctx context.Context, conversationID string, role models.Role, contentHash string) (*models.Message, error) {
	if contentHash == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, created_at, tokens_used,
		       tool_calls, tool_results, model_used, temperature,
		       code_identifiers, content_hash
		FROM messages
		WHERE conversation_id = ? AND role = ? AND content_hash = ?
		ORDER BY created_at ASC LIMIT 1`,
		conversationID, string(role), contentHash)
	m, err := scanMessageGeneric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// CountAssistantMessages returns the number of assistant-role messages
// in a conversation, used to decide whether a summary job should be
// scheduled (assistant_message_count mod frequency == 0).
func (s *Store) CountAssistantMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'assistant'`,
		conversationID).Scan(&n)
	if err != nil {
		return 0, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row *sql.Row) (*models.Message, error) {
	m, err := scanMessageGeneric(row)
	if err == sql.ErrNoRows {
		return nil, memerr.Newf(memerr.Contract, "sqlstore", "message not found")
	}
	return m, err
}

func scanMessageRows(rows *sql.Rows) (*models.Message, error) {
	return scanMessageGeneric(rows)
}

func scanMessageGeneric(rs rowScanner) (*models.Message, error) {
	var m models.Message
	var role, createdAt, toolCalls, toolResults, codeIdentifiers string
	var tokensUsed sql.NullInt64
	var modelUsed sql.NullString
	var temperature sql.NullFloat64

	err := rs.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &createdAt, &tokensUsed,
		&toolCalls, &toolResults, &modelUsed, &temperature, &codeIdentifiers, &m.ContentHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}

	m.Role = models.Role(role)
	m.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if tokensUsed.Valid {
		v := int(tokensUsed.Int64)
		m.TokensUsed = &v
	}
	if modelUsed.Valid {
		m.ModelUsed = &modelUsed.String
	}
	if temperature.Valid {
		m.Temperature = &temperature.Float64
	}
	_ = json.Unmarshal([]byte(toolCalls), &m.ToolCalls)
	_ = json.Unmarshal([]byte(toolResults), &m.ToolResults)
	_ = json.Unmarshal([]byte(codeIdentifiers), &m.CodeIdentifiers)
	return &m, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
