package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// UpsertPreference writes a typed key-value preference atomically.
func (s *Store) UpsertPreference(ctx context.Context, p *models.UserPreference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (key, value_type, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_type = excluded.value_type, value = excluded.value, updated_at = excluded.updated_at`,
		p.Key, string(p.ValueType), p.Value, p.UpdatedAt.Format(timeLayout))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// GetPreference fetches a preference by key. Returns (nil, nil) if unset.
func (s *Store) GetPreference(ctx context.Context, key string) (*models.UserPreference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, value_type, value, updated_at FROM user_preferences WHERE key = ?`, key)

	var p models.UserPreference
	var valueType, updatedAt string
	err := row.Scan(&p.Key, &valueType, &p.Value, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	p.ValueType = models.PreferenceValueType(valueType)
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &p, nil
}

// GetBoolPreference returns a boolean preference value, or (fallback,
// false) if unset or not parseable as a boolean.
func (s *Store) GetBoolPreference(ctx context.Context, key string, fallback bool) (bool, bool, error) {
	p, err := s.GetPreference(ctx, key)
	if err != nil {
		return fallback, false, err
	}
	if p == nil || p.Value != "true" && p.Value != "false" {
		return fallback, false, nil
	}
	return p.Value == "true", true, nil
}

// GetIntPreference returns an integer preference value, or (fallback,
// false) if unset or not parseable as an integer.
func (s *Store) GetIntPreference(ctx context.Context, key string, fallback int) (int, bool, error) {
	p, err := s.GetPreference(ctx, key)
	if err != nil {
		return fallback, false, err
	}
	if p == nil {
		return fallback, false, nil
	}
	n, err := strconv.Atoi(p.Value)
	if err != nil {
		return fallback, false, nil
	}
	return n, true, nil
}
