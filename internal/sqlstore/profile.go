package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// GetUserProfile fetches the singleton profile row, or nil if it has
// never been written.
func (s *Store) GetUserProfile(ctx context.Context) (*models.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, updated_at, embedding_status, error_message
		FROM user_profile WHERE id = ?`, models.DefaultUserProfileID)

	var p models.UserProfile
	var updatedAt, status string
	var errMsg sql.NullString
	err := row.Scan(&p.ID, &p.Content, &updatedAt, &status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	p.EmbeddingStatus = models.EmbeddingStatus(status)
	if errMsg.Valid {
		p.ErrorMessage = &errMsg.String
	}
	return &p, nil
}

// UpsertUserProfile writes the singleton profile content, resetting
// embedding_status to pending, same discipline as conversation summaries.
func (s *Store) UpsertUserProfile(ctx context.Context, content string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profile (id, content, updated_at, embedding_status, error_message)
		VALUES (?, ?, ?, 'pending', NULL)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at,
			embedding_status = 'pending',
			error_message = NULL`,
		models.DefaultUserProfileID, content, at.Format(timeLayout))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// SetProfileEmbeddingStatus updates the profile's embedding outcome.
func (s *Store) SetProfileEmbeddingStatus(ctx context.Context, status models.EmbeddingStatus, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_profile SET embedding_status = ?, error_message = ? WHERE id = ?`,
		string(status), nullableString(errMsg), models.DefaultUserProfileID)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}
