package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"memory-engine/internal/logging"
	"memory-engine/internal/models"
)

// Preference keys for the runtime-overridable subset of the config
// (hybrid, chunking, token budget, summary frequency). Values persisted
// under these keys win over the YAML/env config at startup and on
// explicit update.
const (
	prefRagHybrid           = "rag_hybrid"
	prefRagChunking         = "rag_chunking"
	prefRagTokenBudget      = "rag_token_budget"
	prefRagSummaryFrequency = "rag_summary_frequency"
)

// applyRuntimePreferences layers persisted preference values over the
// loaded config. Out-of-range persisted values are clamped with a
// warning, never an error.
func (e *Engine) applyRuntimePreferences(ctx context.Context) {
	if v, ok, err := e.store.GetBoolPreference(ctx, prefRagHybrid, e.cfg.RagHybrid); err == nil && ok {
		e.cfg.RagHybrid = v
	}
	if v, ok, err := e.store.GetBoolPreference(ctx, prefRagChunking, e.cfg.RagChunking); err == nil && ok {
		e.cfg.RagChunking = v
	}
	if v, ok, err := e.store.GetIntPreference(ctx, prefRagTokenBudget, e.cfg.RagTokenBudget); err == nil && ok {
		e.cfg.RagTokenBudget = clampWithWarning(prefRagTokenBudget, v, 100, 5000)
	}
	if v, ok, err := e.store.GetIntPreference(ctx, prefRagSummaryFrequency, e.cfg.RagSummaryFrequency); err == nil && ok {
		e.cfg.RagSummaryFrequency = clampWithWarning(prefRagSummaryFrequency, v, 0, 100)
	}
}

func clampWithWarning(name string, v, lo, hi int) int {
	if v < lo {
		logging.Warn("preference below minimum, clamped", map[string]interface{}{"key": name, "value": v, "min": lo})
		return lo
	}
	if v > hi {
		logging.Warn("preference above maximum, clamped", map[string]interface{}{"key": name, "value": v, "max": hi})
		return hi
	}
	return v
}

// SetHybridEnabled persists and applies the rag_hybrid override.
func (e *Engine) SetHybridEnabled(ctx context.Context, enabled bool) error {
	if err := e.putPreference(ctx, prefRagHybrid, models.PreferenceTypeBoolean, strconv.FormatBool(enabled)); err != nil {
		return err
	}
	e.cfg.RagHybrid = enabled
	return nil
}

// SetChunkingEnabled persists and applies the rag_chunking override.
func (e *Engine) SetChunkingEnabled(ctx context.Context, enabled bool) error {
	if err := e.putPreference(ctx, prefRagChunking, models.PreferenceTypeBoolean, strconv.FormatBool(enabled)); err != nil {
		return err
	}
	e.cfg.RagChunking = enabled
	return nil
}

// SetTokenBudget persists and applies the rag_token_budget override,
// clamping to [100, 5000].
func (e *Engine) SetTokenBudget(ctx context.Context, budget int) error {
	budget = clampWithWarning(prefRagTokenBudget, budget, 100, 5000)
	if err := e.putPreference(ctx, prefRagTokenBudget, models.PreferenceTypeNumber, strconv.Itoa(budget)); err != nil {
		return err
	}
	e.cfg.RagTokenBudget = budget
	return nil
}

// SetSummaryFrequency persists and applies the rag_summary_frequency
// override, clamping to [0, 100]. Zero disables summary scheduling.
func (e *Engine) SetSummaryFrequency(ctx context.Context, frequency int) error {
	frequency = clampWithWarning(prefRagSummaryFrequency, frequency, 0, 100)
	if err := e.putPreference(ctx, prefRagSummaryFrequency, models.PreferenceTypeNumber, strconv.Itoa(frequency)); err != nil {
		return err
	}
	e.cfg.RagSummaryFrequency = frequency
	return nil
}

func (e *Engine) putPreference(ctx context.Context, key string, valueType models.PreferenceValueType, value string) error {
	err := e.store.UpsertPreference(ctx, &models.UserPreference{
		Key: key, ValueType: valueType, Value: value, UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persisting %s preference: %w", key, err)
	}
	return nil
}
