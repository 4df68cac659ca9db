package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ItemFilter narrows ItemStore.List per spec §4.5's filter grammar.
type ItemFilter struct {
	Main               *string
	Sub                *string
	ProcessingComplete *bool
	FailureClass       *domain.FailureClass
	Search             string // matches against full_text and kb_title
	Limit              int
	Offset             int
}

// ItemStore persists Item rows (spec §3.1, §4.5).
type ItemStore struct {
	db *DB
}

func NewItemStore(db *DB) *ItemStore { return &ItemStore{db: db} }

type itemRow struct {
	ItemID       string `db:"item_id"`
	SourceItemID string `db:"source_item_id"`
	Source       string `db:"source"`

	IsThread       bool   `db:"is_thread"`
	ThreadSegments string `db:"thread_segments"`
	MediaRefs      string `db:"media_refs"`
	FullText       string `db:"full_text"`
	RawPayload     string `db:"raw_payload"`

	URLsExpanded        bool `db:"urls_expanded"`
	CacheComplete       bool `db:"cache_complete"`
	MediaProcessed      bool `db:"media_processed"`
	CategoriesProcessed bool `db:"categories_processed"`
	KBItemCreated       bool `db:"kb_item_created"`
	KBItemWritten       bool `db:"kb_item_written"`
	ProcessingComplete  bool `db:"processing_complete"`
	DBSynced            bool `db:"db_synced"`

	ForceReprocessPipeline bool       `db:"force_reprocess_pipeline"`
	ForceRecache           bool       `db:"force_recache"`
	ReprocessRequestedAt   *time.Time `db:"reprocess_requested_at"`
	ReprocessRequestedBy   *string    `db:"reprocess_requested_by"`

	MainCategory             *string `db:"main_category"`
	SubCategory              *string `db:"sub_category"`
	ItemNameSuggestion       *string `db:"item_name_suggestion"`
	CategoriesRaw            *string `db:"categories_raw"`
	RecategorizationAttempts int     `db:"recategorization_attempts"`

	KBTitle        string `db:"kb_title"`
	KBDisplayTitle string `db:"kb_display_title"`
	KBDescription  string `db:"kb_description"`
	KBContent      string `db:"kb_content"`
	KBFilePath     string `db:"kb_file_path"`
	KBMediaPaths   string `db:"kb_media_paths"`
	SourceURL      string `db:"source_url"`

	ImageDescriptions string `db:"image_descriptions"`

	Errors         string     `db:"errors"`
	RetryCount     int        `db:"retry_count"`
	LastRetryAt    *time.Time `db:"last_retry_at"`
	NextRetryAfter *time.Time `db:"next_retry_after"`
	FailureClass   string     `db:"failure_class"`

	CacheSucceededThisRun bool `db:"cache_succeeded_this_run"`
	MediaSucceededThisRun bool `db:"media_succeeded_this_run"`
	LLMSucceededThisRun   bool `db:"llm_succeeded_this_run"`
	KBSucceededThisRun    bool `db:"kb_succeeded_this_run"`

	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	CachedAt      *time.Time `db:"cached_at"`
	ProcessedAt   *time.Time `db:"processed_at"`
	KBGeneratedAt *time.Time `db:"kb_generated_at"`
}

func toRow(it *domain.Item) (*itemRow, error) {
	threadSegments, err := json.Marshal(it.ThreadSegments)
	if err != nil {
		return nil, err
	}
	mediaRefs, err := json.Marshal(it.MediaRefs)
	if err != nil {
		return nil, err
	}
	kbMediaPaths, err := json.Marshal(it.KBMediaPaths)
	if err != nil {
		return nil, err
	}
	imageDescriptions, err := json.Marshal(it.ImageDescriptions)
	if err != nil {
		return nil, err
	}
	errorsJSON, err := json.Marshal(it.Errors)
	if err != nil {
		return nil, err
	}
	var categoriesRaw *string
	if len(it.CategoriesRaw) > 0 {
		s := string(it.CategoriesRaw)
		categoriesRaw = &s
	}

	return &itemRow{
		ItemID: it.ItemID, SourceItemID: it.SourceItemID, Source: it.Source,
		IsThread: it.IsThread, ThreadSegments: string(threadSegments), MediaRefs: string(mediaRefs),
		FullText: it.FullText, RawPayload: string(it.RawPayload),
		URLsExpanded: it.URLsExpanded, CacheComplete: it.CacheComplete, MediaProcessed: it.MediaProcessed,
		CategoriesProcessed: it.CategoriesProcessed, KBItemCreated: it.KBItemCreated, KBItemWritten: it.KBItemWritten,
		ProcessingComplete: it.ProcessingComplete, DBSynced: it.DBSynced,
		ForceReprocessPipeline: it.ForceReprocessPipeline, ForceRecache: it.ForceRecache,
		ReprocessRequestedAt: it.ReprocessRequestedAt, ReprocessRequestedBy: it.ReprocessRequestedBy,
		MainCategory: it.MainCategory, SubCategory: it.SubCategory, ItemNameSuggestion: it.ItemNameSuggestion,
		CategoriesRaw: categoriesRaw, RecategorizationAttempts: it.RecategorizationAttempts,
		KBTitle: it.KBTitle, KBDisplayTitle: it.KBDisplayTitle, KBDescription: it.KBDescription,
		KBContent: it.KBContent, KBFilePath: it.KBFilePath, KBMediaPaths: string(kbMediaPaths), SourceURL: it.SourceURL,
		ImageDescriptions: string(imageDescriptions),
		Errors:            string(errorsJSON), RetryCount: it.RetryCount, LastRetryAt: it.LastRetryAt,
		NextRetryAfter: it.NextRetryAfter, FailureClass: string(it.FailureClass),
		CacheSucceededThisRun: it.CacheSucceededThisRun, MediaSucceededThisRun: it.MediaSucceededThisRun,
		LLMSucceededThisRun: it.LLMSucceededThisRun, KBSucceededThisRun: it.KBSucceededThisRun,
		CreatedAt: it.CreatedAt, UpdatedAt: it.UpdatedAt, CachedAt: it.CachedAt,
		ProcessedAt: it.ProcessedAt, KBGeneratedAt: it.KBGeneratedAt,
	}, nil
}

func (r *itemRow) toDomain() (*domain.Item, error) {
	it := &domain.Item{
		ItemID: r.ItemID, SourceItemID: r.SourceItemID, Source: r.Source,
		IsThread: r.IsThread, FullText: r.FullText, RawPayload: []byte(r.RawPayload),
		URLsExpanded: r.URLsExpanded, CacheComplete: r.CacheComplete, MediaProcessed: r.MediaProcessed,
		CategoriesProcessed: r.CategoriesProcessed, KBItemCreated: r.KBItemCreated, KBItemWritten: r.KBItemWritten,
		ProcessingComplete: r.ProcessingComplete, DBSynced: r.DBSynced,
		ForceReprocessPipeline: r.ForceReprocessPipeline, ForceRecache: r.ForceRecache,
		ReprocessRequestedAt: r.ReprocessRequestedAt, ReprocessRequestedBy: r.ReprocessRequestedBy,
		MainCategory: r.MainCategory, SubCategory: r.SubCategory, ItemNameSuggestion: r.ItemNameSuggestion,
		RecategorizationAttempts: r.RecategorizationAttempts,
		KBTitle:                  r.KBTitle, KBDisplayTitle: r.KBDisplayTitle, KBDescription: r.KBDescription,
		KBContent: r.KBContent, KBFilePath: r.KBFilePath, SourceURL: r.SourceURL,
		RetryCount: r.RetryCount, LastRetryAt: r.LastRetryAt, NextRetryAfter: r.NextRetryAfter,
		FailureClass: domain.FailureClass(r.FailureClass),
		CacheSucceededThisRun: r.CacheSucceededThisRun, MediaSucceededThisRun: r.MediaSucceededThisRun,
		LLMSucceededThisRun: r.LLMSucceededThisRun, KBSucceededThisRun: r.KBSucceededThisRun,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, CachedAt: r.CachedAt,
		ProcessedAt: r.ProcessedAt, KBGeneratedAt: r.KBGeneratedAt,
	}
	if r.CategoriesRaw != nil {
		it.CategoriesRaw = []byte(*r.CategoriesRaw)
	}
	if err := json.Unmarshal([]byte(r.ThreadSegments), &it.ThreadSegments); err != nil {
		return nil, fmt.Errorf("store: decode thread_segments: %w", err)
	}
	if err := json.Unmarshal([]byte(r.MediaRefs), &it.MediaRefs); err != nil {
		return nil, fmt.Errorf("store: decode media_refs: %w", err)
	}
	if err := json.Unmarshal([]byte(r.KBMediaPaths), &it.KBMediaPaths); err != nil {
		return nil, fmt.Errorf("store: decode kb_media_paths: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ImageDescriptions), &it.ImageDescriptions); err != nil {
		return nil, fmt.Errorf("store: decode image_descriptions: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Errors), &it.Errors); err != nil {
		return nil, fmt.Errorf("store: decode errors: %w", err)
	}
	return it, nil
}

// Create inserts a new Item row.
func (s *ItemStore) Create(ctx context.Context, it *domain.Item) error {
	row, err := toRow(it)
	if err != nil {
		return fmt.Errorf("store: encode item %s: %w", it.ItemID, err)
	}
	query := `INSERT INTO items (
		item_id, source_item_id, source, is_thread, thread_segments, media_refs, full_text, raw_payload,
		urls_expanded, cache_complete, media_processed, categories_processed, kb_item_created, kb_item_written,
		processing_complete, db_synced, force_reprocess_pipeline, force_recache, reprocess_requested_at,
		reprocess_requested_by, main_category, sub_category, item_name_suggestion, categories_raw,
		recategorization_attempts, kb_title, kb_display_title, kb_description, kb_content, kb_file_path,
		kb_media_paths, source_url, image_descriptions, errors, retry_count, last_retry_at, next_retry_after,
		failure_class, cache_succeeded_this_run, media_succeeded_this_run, llm_succeeded_this_run,
		kb_succeeded_this_run, created_at, updated_at, cached_at, processed_at, kb_generated_at
	) VALUES (
		:item_id, :source_item_id, :source, :is_thread, :thread_segments, :media_refs, :full_text, :raw_payload,
		:urls_expanded, :cache_complete, :media_processed, :categories_processed, :kb_item_created, :kb_item_written,
		:processing_complete, :db_synced, :force_reprocess_pipeline, :force_recache, :reprocess_requested_at,
		:reprocess_requested_by, :main_category, :sub_category, :item_name_suggestion, :categories_raw,
		:recategorization_attempts, :kb_title, :kb_display_title, :kb_description, :kb_content, :kb_file_path,
		:kb_media_paths, :source_url, :image_descriptions, :errors, :retry_count, :last_retry_at, :next_retry_after,
		:failure_class, :cache_succeeded_this_run, :media_succeeded_this_run, :llm_succeeded_this_run,
		:kb_succeeded_this_run, :created_at, :updated_at, :cached_at, :processed_at, :kb_generated_at
	)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("store: create item %s: %w", it.ItemID, err)
	}
	return nil
}

// Get fetches a single Item by id.
func (s *ItemStore) Get(ctx context.Context, itemID string) (*domain.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, s.db.rebind(`SELECT * FROM items WHERE item_id = ?`), itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get item %s: %w", itemID, err)
	}
	return row.toDomain()
}

// GetMany fetches a batch of Items by id, in unspecified order.
func (s *ItemStore) GetMany(ctx context.Context, itemIDs []string) ([]*domain.Item, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlxIn(`SELECT * FROM items WHERE item_id IN (?)`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("store: build get_many query: %w", err)
	}
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, s.db.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: get_many items: %w", err)
	}
	return rowsToDomain(rows)
}

func rowsToDomain(rows []itemRow) ([]*domain.Item, error) {
	out := make([]*domain.Item, 0, len(rows))
	for i := range rows {
		it, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// List returns Items matching the given filter, ordered by created_at desc.
func (s *ItemStore) List(ctx context.Context, f ItemFilter) ([]*domain.Item, error) {
	var clauses []string
	var args []any

	if f.Main != nil {
		clauses = append(clauses, "main_category = ?")
		args = append(args, *f.Main)
	}
	if f.Sub != nil {
		clauses = append(clauses, "sub_category = ?")
		args = append(args, *f.Sub)
	}
	if f.ProcessingComplete != nil {
		clauses = append(clauses, "processing_complete = ?")
		args = append(args, *f.ProcessingComplete)
	}
	if f.FailureClass != nil {
		clauses = append(clauses, "failure_class = ?")
		args = append(args, string(*f.FailureClass))
	}
	if f.Search != "" {
		clauses = append(clauses, "(full_text LIKE ? OR kb_title LIKE ?)")
		needle := "%" + f.Search + "%"
		args = append(args, needle, needle)
	}

	query := "SELECT * FROM items"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, s.db.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	return rowsToDomain(rows)
}

// Update overwrites every column of an existing Item row.
func (s *ItemStore) Update(ctx context.Context, it *domain.Item) error {
	row, err := toRow(it)
	if err != nil {
		return fmt.Errorf("store: encode item %s: %w", it.ItemID, err)
	}
	query := s.db.rebind(`UPDATE items SET
		source_item_id = ?, source = ?, is_thread = ?, thread_segments = ?, media_refs = ?, full_text = ?,
		raw_payload = ?, urls_expanded = ?, cache_complete = ?, media_processed = ?, categories_processed = ?,
		kb_item_created = ?, kb_item_written = ?, processing_complete = ?, db_synced = ?,
		force_reprocess_pipeline = ?, force_recache = ?, reprocess_requested_at = ?, reprocess_requested_by = ?,
		main_category = ?, sub_category = ?, item_name_suggestion = ?, categories_raw = ?,
		recategorization_attempts = ?, kb_title = ?, kb_display_title = ?, kb_description = ?, kb_content = ?,
		kb_file_path = ?, kb_media_paths = ?, source_url = ?, image_descriptions = ?, errors = ?, retry_count = ?,
		last_retry_at = ?, next_retry_after = ?, failure_class = ?, cache_succeeded_this_run = ?,
		media_succeeded_this_run = ?, llm_succeeded_this_run = ?, kb_succeeded_this_run = ?, updated_at = ?,
		cached_at = ?, processed_at = ?, kb_generated_at = ?
		WHERE item_id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		row.SourceItemID, row.Source, row.IsThread, row.ThreadSegments, row.MediaRefs, row.FullText,
		row.RawPayload, row.URLsExpanded, row.CacheComplete, row.MediaProcessed, row.CategoriesProcessed,
		row.KBItemCreated, row.KBItemWritten, row.ProcessingComplete, row.DBSynced,
		row.ForceReprocessPipeline, row.ForceRecache, row.ReprocessRequestedAt, row.ReprocessRequestedBy,
		row.MainCategory, row.SubCategory, row.ItemNameSuggestion, row.CategoriesRaw,
		row.RecategorizationAttempts, row.KBTitle, row.KBDisplayTitle, row.KBDescription, row.KBContent,
		row.KBFilePath, row.KBMediaPaths, row.SourceURL, row.ImageDescriptions, row.Errors, row.RetryCount,
		row.LastRetryAt, row.NextRetryAfter, row.FailureClass, row.CacheSucceededThisRun,
		row.MediaSucceededThisRun, row.LLMSucceededThisRun, row.KBSucceededThisRun, row.UpdatedAt,
		row.CachedAt, row.ProcessedAt, row.KBGeneratedAt, row.ItemID)
	if err != nil {
		return fmt.Errorf("store: update item %s: %w", it.ItemID, err)
	}
	return checkAffected(res, it.ItemID)
}

func checkAffected(res sql.Result, itemID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s: %w", itemID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkUpdateFlags sets a single processing flag column across many items in
// one statement.
func (s *ItemStore) BulkUpdateFlags(ctx context.Context, itemIDs []string, column string, value bool) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if !allowedFlagColumn[column] {
		return fmt.Errorf("store: %q is not an updatable flag column", column)
	}
	query, args, err := sqlxIn(
		fmt.Sprintf(`UPDATE items SET %s = ?, updated_at = ? WHERE item_id IN (?)`, column),
		value, nowColumn(), itemIDs,
	)
	if err != nil {
		return fmt.Errorf("store: build bulk_update_flags query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.rebind(query), args...); err != nil {
		return fmt.Errorf("store: bulk_update_flags %s: %w", column, err)
	}
	return nil
}

var allowedFlagColumn = map[string]bool{
	"urls_expanded": true, "cache_complete": true, "media_processed": true,
	"categories_processed": true, "kb_item_created": true, "kb_item_written": true,
	"processing_complete": true, "db_synced": true,
}

func nowColumn() time.Time { return time.Now().UTC() }

// BulkSetReprocess flags a batch of items for reprocessing on the next run.
func (s *ItemStore) BulkSetReprocess(ctx context.Context, itemIDs []string, recache bool, requestedBy string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	now := nowColumn()
	query, args, err := sqlxIn(
		`UPDATE items SET force_reprocess_pipeline = ?, force_recache = ?, reprocess_requested_at = ?,
			reprocess_requested_by = ?, updated_at = ? WHERE item_id IN (?)`,
		true, recache, now, requestedBy, now, itemIDs,
	)
	if err != nil {
		return fmt.Errorf("store: build bulk_set_reprocess query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.rebind(query), args...); err != nil {
		return fmt.Errorf("store: bulk_set_reprocess: %w", err)
	}
	return nil
}

// Stats summarizes item counts by processing_complete and failure_class, for
// the Runtime Statistics surfaced via the operator API (spec §3.4).
func (s *ItemStore) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT processing_complete, failure_class, COUNT(*) FROM items GROUP BY processing_complete, failure_class`)
	if err != nil {
		return nil, fmt.Errorf("store: item stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var complete bool
		var failureClass string
		var count int
		if err := rows.Scan(&complete, &failureClass, &count); err != nil {
			return nil, fmt.Errorf("store: scan item stats: %w", err)
		}
		key := "incomplete"
		if complete {
			key = "complete"
		}
		if failureClass != "" {
			key = "failed_" + failureClass
		}
		out[key] += count
	}
	return out, rows.Err()
}

// CleanupOld deletes Item rows older than the given age whose pipeline
// finished successfully, per spec §4.5's retention operation.
func (s *ItemStore) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`DELETE FROM items WHERE processing_complete = ? AND created_at < ?`), true, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup_old items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup_old rows affected: %w", err)
	}
	return n, nil
}
