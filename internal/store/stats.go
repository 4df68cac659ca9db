package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// StatsStore persists PhaseMetric rows and per-run RunTotals summaries
// (spec §3.4 Runtime & Phase Statistics). It keeps one PhaseMetric row per
// (run, phase, metric name): recording the same metric again overwrites the
// earlier row, so earlier values of a metric within a run are not kept.
type StatsStore struct {
	db *DB
}

func NewStatsStore(db *DB) *StatsStore { return &StatsStore{db: db} }

// RecordPhaseMetric upserts one named metric for a run/phase pair.
func (s *StatsStore) RecordPhaseMetric(ctx context.Context, m *domain.PhaseMetric) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO phase_metrics (run_id, phase, metric_name, metric_value, unit, total_items,
			total_duration_seconds, avg_time_per_item_seconds, recorded_at)
		VALUES (:run_id, :phase, :metric_name, :metric_value, :unit, :total_items,
			:total_duration_seconds, :avg_time_per_item_seconds, :recorded_at)
		ON CONFLICT (run_id, phase, metric_name) DO UPDATE SET
			metric_value = excluded.metric_value, unit = excluded.unit, total_items = excluded.total_items,
			total_duration_seconds = excluded.total_duration_seconds,
			avg_time_per_item_seconds = excluded.avg_time_per_item_seconds, recorded_at = excluded.recorded_at
	`, m)
	if err != nil {
		return fmt.Errorf("store: record phase metric %s/%s/%s: %w", m.RunID, m.Phase, m.MetricName, err)
	}
	return nil
}

// PhaseMetricsForRun returns every recorded metric for a run.
func (s *StatsStore) PhaseMetricsForRun(ctx context.Context, runID string) ([]*domain.PhaseMetric, error) {
	var metrics []domain.PhaseMetric
	if err := s.db.SelectContext(ctx, &metrics, s.db.rebind(
		`SELECT run_id, phase, metric_name, metric_value, unit, total_items, total_duration_seconds,
			avg_time_per_item_seconds, recorded_at FROM phase_metrics WHERE run_id = ?`), runID); err != nil {
		return nil, fmt.Errorf("store: phase metrics for run %s: %w", runID, err)
	}
	out := make([]*domain.PhaseMetric, len(metrics))
	for i := range metrics {
		out[i] = &metrics[i]
	}
	return out, nil
}

// UpsertRunTotals writes the per-run summary row; the orchestrator calls it
// once, at the end of a run.
func (s *StatsStore) UpsertRunTotals(ctx context.Context, t *domain.RunTotals) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO run_totals (run_id, processed, success, error, skipped, media_processed, cache_hits,
			cache_misses, network_errors, retry_count, start_time, end_time, duration, success_rate,
			error_rate, cache_hit_rate, avg_retries)
		VALUES (:run_id, :processed, :success, :error, :skipped, :media_processed, :cache_hits,
			:cache_misses, :network_errors, :retry_count, :start_time, :end_time, :duration, :success_rate,
			:error_rate, :cache_hit_rate, :avg_retries)
		ON CONFLICT (run_id) DO UPDATE SET
			processed = excluded.processed, success = excluded.success, error = excluded.error,
			skipped = excluded.skipped, media_processed = excluded.media_processed,
			cache_hits = excluded.cache_hits, cache_misses = excluded.cache_misses,
			network_errors = excluded.network_errors, retry_count = excluded.retry_count,
			end_time = excluded.end_time, duration = excluded.duration, success_rate = excluded.success_rate,
			error_rate = excluded.error_rate, cache_hit_rate = excluded.cache_hit_rate,
			avg_retries = excluded.avg_retries
	`, t)
	if err != nil {
		return fmt.Errorf("store: upsert run totals %s: %w", t.RunID, err)
	}
	return nil
}

// GetRunTotals fetches the summary row for one run.
func (s *StatsStore) GetRunTotals(ctx context.Context, runID string) (*domain.RunTotals, error) {
	var t domain.RunTotals
	err := s.db.GetContext(ctx, &t, s.db.rebind(`SELECT * FROM run_totals WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run totals %s: %w", runID, err)
	}
	return &t, nil
}
