package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// CategoryStore persists the hierarchical category registry (spec §3.3),
// upserting idempotently since many items can race to register the same
// main/sub pair concurrently (spec §5).
type CategoryStore struct {
	db *DB
}

func NewCategoryStore(db *DB) *CategoryStore { return &CategoryStore{db: db} }

type categoryRow struct {
	Main        string    `db:"main"`
	Sub         string    `db:"sub"`
	DisplayName string    `db:"display_name"`
	SortOrder   int       `db:"sort_order"`
	IsActive    bool      `db:"is_active"`
	ItemCount   int       `db:"item_count"`
	Description string    `db:"description"`
	LastUpdated time.Time `db:"last_updated"`
}

func (r *categoryRow) toDomain() *domain.CategoryRow {
	return &domain.CategoryRow{
		Main: r.Main, Sub: r.Sub, DisplayName: r.DisplayName, SortOrder: r.SortOrder,
		IsActive: r.IsActive, ItemCount: r.ItemCount, Description: r.Description, LastUpdated: r.LastUpdated,
	}
}

// EnsureCategory inserts a category row if (main, sub) isn't already
// registered, leaving an existing row's item_count untouched.
func (s *CategoryStore) EnsureCategory(ctx context.Context, main, sub, displayName, description string) error {
	now := time.Now().UTC()

	var exists int
	err := s.db.GetContext(ctx, &exists, s.db.rebind(`SELECT COUNT(*) FROM categories WHERE main = ? AND sub = ?`), main, sub)
	if err != nil {
		return fmt.Errorf("store: probe category %s/%s: %w", main, sub, err)
	}
	if exists > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO categories (main, sub, display_name, sort_order, is_active, item_count, description, last_updated)
			VALUES (?, ?, ?, 0, ?, 0, ?, ?) ON CONFLICT (main, sub) DO NOTHING`),
		main, sub, displayName, true, description, now)
	if err != nil {
		return fmt.Errorf("store: ensure category %s/%s: %w", main, sub, err)
	}
	return nil
}

// UpdateItemCount overwrites the cached item_count for a category, used by
// the Validator's cross-reference repair pass (spec §4.2 check 9).
func (s *CategoryStore) UpdateItemCount(ctx context.Context, main, sub string, count int) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE categories SET item_count = ?, last_updated = ? WHERE main = ? AND sub = ?`),
		count, time.Now().UTC(), main, sub)
	if err != nil {
		return fmt.Errorf("store: update_item_count %s/%s: %w", main, sub, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update_item_count rows affected %s/%s: %w", main, sub, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a single category row by (main, sub).
func (s *CategoryStore) Get(ctx context.Context, main, sub string) (*domain.CategoryRow, error) {
	var row categoryRow
	err := s.db.GetContext(ctx, &row, s.db.rebind(`SELECT * FROM categories WHERE main = ? AND sub = ?`), main, sub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get category %s/%s: %w", main, sub, err)
	}
	return row.toDomain(), nil
}

// List returns every active category ordered for the README/index render.
func (s *CategoryStore) List(ctx context.Context) ([]*domain.CategoryRow, error) {
	var rows []categoryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM categories WHERE is_active = `+s.db.rebind("?")+` ORDER BY sort_order ASC, main ASC, sub ASC`, true)
	if err != nil {
		return nil, fmt.Errorf("store: list categories: %w", err)
	}
	out := make([]*domain.CategoryRow, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
