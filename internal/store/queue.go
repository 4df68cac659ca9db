package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// QueueStore persists per-item processing-queue rows (spec §3.2, §4.6).
type QueueStore struct {
	db *DB
}

func NewQueueStore(db *DB) *QueueStore { return &QueueStore{db: db} }

type queueRow struct {
	ItemID      string     `db:"item_id"`
	Status      string     `db:"status"`
	Phase       string     `db:"phase"`
	Priority    int        `db:"priority"`
	RetryCount  int        `db:"retry_count"`
	LastError   string     `db:"last_error"`
	ProcessedAt *time.Time `db:"processed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *queueRow) toDomain() *domain.QueueRow {
	return &domain.QueueRow{
		ItemID: r.ItemID, Status: domain.QueueStatus(r.Status), Phase: r.Phase,
		Priority: r.Priority, RetryCount: r.RetryCount, LastError: r.LastError,
		ProcessedAt: r.ProcessedAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// Create inserts a new Queue row, defaulting to unprocessed status.
func (s *QueueStore) Create(ctx context.Context, q *domain.QueueRow) error {
	if q.Status == "" {
		q.Status = domain.StatusUnprocessed
	}
	query := `INSERT INTO queue (item_id, status, phase, priority, retry_count, last_error, processed_at, created_at, updated_at)
		VALUES (:item_id, :status, :phase, :priority, :retry_count, :last_error, :processed_at, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, query, queueRow{
		ItemID: q.ItemID, Status: string(q.Status), Phase: q.Phase, Priority: q.Priority,
		RetryCount: q.RetryCount, LastError: q.LastError, ProcessedAt: q.ProcessedAt,
		CreatedAt: q.CreatedAt, UpdatedAt: q.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("store: create queue row %s: %w", q.ItemID, err)
	}
	return nil
}

// Get fetches a single Queue row by item id.
func (s *QueueStore) Get(ctx context.Context, itemID string) (*domain.QueueRow, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row, s.db.rebind(`SELECT * FROM queue WHERE item_id = ?`), itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get queue row %s: %w", itemID, err)
	}
	return row.toDomain(), nil
}

// ListAll returns every Queue row, for the Validator's cross-reference sweep
// over C1/C2 (spec §4.2 checks 3 and 7), which needs the full table rather
// than a status-filtered slice.
func (s *QueueStore) ListAll(ctx context.Context) ([]*domain.QueueRow, error) {
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM queue ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("store: list_all queue rows: %w", err)
	}
	out := make([]*domain.QueueRow, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// Delete removes a Queue row outright, used by the Validator to drop orphan
// rows whose Item no longer exists (spec §4.2 check 3).
func (s *QueueStore) Delete(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM queue WHERE item_id = ?`), itemID)
	if err != nil {
		return fmt.Errorf("store: delete queue row %s: %w", itemID, err)
	}
	return checkAffected(res, itemID)
}

// UpdateStatus transitions a Queue row's status and phase (spec invariant Q1:
// status and item processing flags must remain in lockstep, enforced by the
// orchestrator calling this alongside the matching Item flag update).
func (s *QueueStore) UpdateStatus(ctx context.Context, itemID string, status domain.QueueStatus, phase, lastError string) error {
	now := time.Now().UTC()
	var processedAt *time.Time
	if status == domain.StatusProcessed || status == domain.StatusFailed {
		processedAt = &now
	}
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE queue SET status = ?, phase = ?, last_error = ?, processed_at = ?, updated_at = ? WHERE item_id = ?`),
		string(status), phase, lastError, processedAt, now, itemID)
	if err != nil {
		return fmt.Errorf("store: update_status queue row %s: %w", itemID, err)
	}
	return checkAffected(res, itemID)
}

// NextForProcessing claims up to limit unprocessed rows ordered by priority
// then age, marking them processing in the same call so two orchestrator
// workers never race on the same item (spec §5 concurrency model).
func (s *QueueStore) NextForProcessing(ctx context.Context, limit int) ([]*domain.QueueRow, error) {
	var rows []queueRow
	query := s.db.rebind(`SELECT * FROM queue WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.StatusUnprocessed), limit); err != nil {
		return nil, fmt.Errorf("store: next_for_processing: %w", err)
	}
	out := make([]*domain.QueueRow, 0, len(rows))
	for i := range rows {
		claimed, err := s.markProcessing(ctx, rows[i].ItemID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue // another worker claimed it between the SELECT and UPDATE
		}
		rows[i].Status = string(domain.StatusProcessing)
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *QueueStore) markProcessing(ctx context.Context, itemID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE queue SET status = ?, updated_at = ? WHERE item_id = ? AND status = ?`),
		string(domain.StatusProcessing), now, itemID, string(domain.StatusUnprocessed))
	if err != nil {
		return false, fmt.Errorf("store: mark_processing %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark_processing rows affected %s: %w", itemID, err)
	}
	return n > 0, nil
}

// MarkProcessing is the single-row entry point outside NextForProcessing
// batches; a row that is not unprocessed is left unchanged.
func (s *QueueStore) MarkProcessing(ctx context.Context, itemID string) error {
	_, err := s.markProcessing(ctx, itemID)
	return err
}

// GetFailed returns Queue rows currently in the failed state, oldest update
// first.
func (s *QueueStore) GetFailed(ctx context.Context) ([]*domain.QueueRow, error) {
	var rows []queueRow
	query := s.db.rebind(`SELECT * FROM queue WHERE status = ? ORDER BY updated_at ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.StatusFailed)); err != nil {
		return nil, fmt.Errorf("store: get_failed: %w", err)
	}
	out := make([]*domain.QueueRow, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ResetForRetry moves a failed row back to unprocessed and bumps retry_count
// (spec §4.1).
func (s *QueueStore) ResetForRetry(ctx context.Context, itemID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE queue SET status = ?, retry_count = retry_count + 1, updated_at = ? WHERE item_id = ?`),
		string(domain.StatusUnprocessed), now, itemID)
	if err != nil {
		return fmt.Errorf("store: reset_for_retry %s: %w", itemID, err)
	}
	return checkAffected(res, itemID)
}

// ReclaimStuck resets rows stuck in processing past the staleness threshold
// back to unprocessed, grounding the Validator's stuck-task reclamation pass.
func (s *QueueStore) ReclaimStuck(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE queue SET status = ?, last_error = ?, updated_at = ? WHERE status = ? AND updated_at < ?`),
		string(domain.StatusUnprocessed), "reclaimed: stuck in processing", time.Now().UTC(),
		string(domain.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim_stuck: %w", err)
	}
	return res.RowsAffected()
}
