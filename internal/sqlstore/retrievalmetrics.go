package sqlstore

import (
	"context"
	"encoding/json"
	"time"

	"memory-engine/internal/memerr"
	"memory-engine/internal/models"
)

// InsertRetrievalMetric writes one per-query metrics row. Callers treat
// this as fire-and-forget: a failure here must never fail retrieval.
func (s *Store) InsertRetrievalMetric(ctx context.Context, m *models.RetrievalMetric) error {
	top3, err := json.Marshal(m.Top3Similarities)
	if err != nil {
		return memerr.New(memerr.Contract, "sqlstore", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retrieval_metrics (
			id, query, created_at, conversation_id,
			conversation_dense_count, global_dense_count, summaries_count, profile_count, fts_lexical_count,
			total_ms, dense_ms, fts_ms, rerank_ms, top3_similarities, hybrid_enabled, chunking_enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Query, m.Timestamp.Format(timeLayout), nullableString(m.ConversationID),
		m.Sources.ConversationDense, m.Sources.GlobalDense, m.Sources.Summaries, m.Sources.Profile, m.Sources.FTSLexical,
		m.Latencies.TotalMs, m.Latencies.DenseMs, m.Latencies.FTSMs, m.Latencies.RerankMs,
		string(top3), boolToInt(m.HybridEnabled), boolToInt(m.ChunkingEnabled))
	if err != nil {
		return memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return nil
}

// CleanupRetentionWindow deletes retrieval_metrics rows older than
// retentionDays.
func (s *Store) CleanupRetentionWindow(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM retrieval_metrics WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	return res.RowsAffected()
}

// DailyMetricCount is one row of the retrieval_metrics_daily view.
type DailyMetricCount struct {
	Day        string
	Count      int
	AvgTotalMs float64
}

// DailyAggregates reads the retrieval_metrics_daily view over the last
// windowDays, most recent day first.
func (s *Store) DailyAggregates(ctx context.Context, windowDays int) ([]DailyMetricCount, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, query_count, avg_total_ms
		FROM retrieval_metrics_daily WHERE day >= substr(?, 1, 10)
		ORDER BY day DESC`, cutoff)
	if err != nil {
		return nil, memerr.New(memerr.Persistence, "sqlstore", err)
	}
	defer rows.Close()

	var out []DailyMetricCount
	for rows.Next() {
		var d DailyMetricCount
		if err := rows.Scan(&d.Day, &d.Count, &d.AvgTotalMs); err != nil {
			return nil, memerr.New(memerr.Persistence, "sqlstore", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
