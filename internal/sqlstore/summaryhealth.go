package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// RecordRunning appends a "running" summary_event and updates
// summary_health (increments total_runs, sets last_run_at), returning
// the attempt number to use for the matching terminal transition.
func (s *Store) RecordRunning(ctx context.Context, conversationID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer tx.Rollback()

	if err := ensureSummaryHealthRowLocked(ctx, tx, conversationID, at); err != nil {
		return 0, err
	}

	var attempt int
	err = tx.QueryRowContext(ctx, `
		SELECT total_runs + 1 FROM summary_health WHERE conversation_id = ?`, conversationID).Scan(&attempt)
	if err != nil {
		return 0, memerr.New(memerr.Persistence, "sqlstore", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE summary_health SET last_state = 'running', last_run_at = ?, total_runs = total_runs + 1, updated_at = ?
		WHERE conversation_id = ?`, at.Format(timeLayout), at.Format(timeLayout), conversationID)
	if err != nil {
		return 0, memerr.New(memerr.Persistence, "sqlstore", err)
	}

	if err := insertSummaryEventLocked(ctx, tx, conversationID, models.SummaryStateRunning, attempt, nil, nil, at); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return attempt, nil
}

// RecordSucceeded records a "succeeded" transition: clears last_error,
// sets last_success_at, resets consecutive_failures to 0, increments
// total_successes.
func (s *Store) RecordSucceeded(ctx context.Context, conversationID string, attempt int, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE summary_health SET
			last_state = 'succeeded', last_success_at = ?, last_error = NULL,
			consecutive_failures = 0, total_successes = total_successes + 1, updated_at = ?
		WHERE conversation_id = ?`, at.Format(timeLayout), at.Format(timeLayout), conversationID)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}

	if err := insertSummaryEventLocked(ctx, tx, conversationID, models.SummaryStateSucceeded, attempt, nil, nil, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// RecordFailed records a "failed" transition and always increments
// total_failures. countAsRetry also increments total_retries;
// countAsFailure (the summary lifecycle always passes true) also
// increments consecutive_failures.
func (s *Store) RecordFailed(ctx context.Context, conversationID string, attempt int, errMsg string, countAsRetry, countAsFailure bool, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer tx.Rollback()

	query := `UPDATE summary_health SET last_state = 'failed', last_error = ?, total_failures = total_failures + 1, updated_at = ?`
	if countAsRetry {
		query += `, total_retries = total_retries + 1`
	}
	if countAsFailure {
		query += `, consecutive_failures = consecutive_failures + 1`
	}
	query += ` WHERE conversation_id = ?`

	if _, err := tx.ExecContext(ctx, query, errMsg, at.Format(timeLayout), conversationID); err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}

	em := errMsg
	if err := insertSummaryEventLocked(ctx, tx, conversationID, models.SummaryStateFailed, attempt, &em, nil, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// RecordSkippedNoConsent records a "skipped_no_consent" event without
// touching any failure counters.
func (s *Store) RecordSkippedNoConsent(ctx context.Context, conversationID string, attempt int, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer tx.Rollback()

	if err := ensureSummaryHealthRowLocked(ctx, tx, conversationID, at); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE summary_health SET last_state = 'skipped_no_consent', updated_at = ? WHERE conversation_id = ?`,
		at.Format(timeLayout), conversationID); err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}

	r := reason
	if err := insertSummaryEventLocked(ctx, tx, conversationID, models.SummaryStateSkippedNoConsent, attempt, nil, map[string]interface{}{"reason": r}, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

func ensureSummaryHealthRowLocked(ctx context.Context, tx *sql.Tx, conversationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO summary_health (conversation_id, updated_at) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO NOTHING`, conversationID, at.Format(timeLayout))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

func insertSummaryEventLocked(ctx context.Context, tx *sql.Tx, conversationID string, state models.SummaryState, attempt int, errMsg *string, metadata map[string]interface{}, at time.Time) error {
	var metaJSON interface{}
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return memerr.New(memerr.Contract, "sqlstore", err)
		}
		metaJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO summary_events (conversation_id, state, attempt, error_message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, string(state), attempt, nullableString(errMsg), metaJSON, at.Format(timeLayout))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// GetSummaryHealth fetches the health row, or nil if the conversation
// has never had a summary run scheduled.
func (s *Store) GetSummaryHealth(ctx context.Context, conversationID string) (*models.SummaryHealth, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, last_state, last_run_at, last_success_at, last_error,
		       consecutive_failures, total_runs, total_successes, total_failures, total_retries, updated_at
		FROM summary_health WHERE conversation_id = ?`, conversationID)

	var h models.SummaryHealth
	var lastState, updatedAt sql.NullString
	var lastRunAt, lastSuccessAt sql.NullString
	var lastError sql.NullString
	err := row.Scan(&h.ConversationID, &lastState, &lastRunAt, &lastSuccessAt, &lastError,
		&h.ConsecutiveFailures, &h.TotalRuns, &h.TotalSuccesses, &h.TotalFailures, &h.TotalRetries, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	if lastState.Valid {
		h.LastState = models.SummaryState(lastState.String)
	}
	if lastRunAt.Valid {
		t, _ := time.Parse(timeLayout, lastRunAt.String)
		h.LastRunAt = &t
	}
	if lastSuccessAt.Valid {
		t, _ := time.Parse(timeLayout, lastSuccessAt.String)
		h.LastSuccessAt = &t
	}
	if lastError.Valid {
		h.LastError = &lastError.String
	}
	if updatedAt.Valid {
		h.UpdatedAt, _ = time.Parse(timeLayout, updatedAt.String)
	}
	return &h, nil
}

// GetSummaryEventsSince returns events for a conversation recorded at
// or after since, ascending by time, for observability windows.
func (s *Store) GetSummaryEventsSince(ctx context.Context, conversationID string, since time.Time) ([]*models.SummaryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, state, attempt, error_message, metadata, created_at
		FROM summary_events WHERE conversation_id = ? AND created_at >= ? ORDER BY created_at ASC`,
		conversationID, since.Format(timeLayout))
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer rows.Close()

	var out []*models.SummaryEvent
	for rows.Next() {
		var e models.SummaryEvent
		var state, createdAt string
		var errMsg, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.ConversationID, &state, &e.Attempt, &errMsg, &metadata, &createdAt); err != nil {
			return nil, memerr.New(memerr.Persistence, "sqlstore", err)
		}
		e.State = models.SummaryState(state)
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
