package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

func newMockStore(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &DB{DB: sqlx.NewDb(mockDB, "sqlmock"), Driver: DriverSQLite}, mock
}

func sampleItem() *domain.Item {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.Item{
		ItemID: "i1", SourceItemID: "s1", Source: "twitter",
		FullText: "hello world", CreatedAt: now, UpdatedAt: now,
		Errors: map[string]string{},
	}
}

func TestItemStore_Create(t *testing.T) {
	db, mock := newMockStore(t)
	s := NewItemStore(db)

	mock.ExpectExec("INSERT INTO items").WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Create(context.Background(), sampleItem()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestItemStore_Get_NotFound(t *testing.T) {
	db, mock := newMockStore(t)
	s := NewItemStore(db)

	mock.ExpectQuery("SELECT \\* FROM items WHERE item_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.Get(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func itemColumns() []string {
	return []string{
		"item_id", "source_item_id", "source", "is_thread", "thread_segments", "media_refs", "full_text",
		"raw_payload", "urls_expanded", "cache_complete", "media_processed", "categories_processed",
		"kb_item_created", "kb_item_written", "processing_complete", "db_synced", "force_reprocess_pipeline",
		"force_recache", "reprocess_requested_at", "reprocess_requested_by", "main_category", "sub_category",
		"item_name_suggestion", "categories_raw", "recategorization_attempts", "kb_title", "kb_display_title",
		"kb_description", "kb_content", "kb_file_path", "kb_media_paths", "source_url", "image_descriptions",
		"errors", "retry_count", "last_retry_at", "next_retry_after", "failure_class",
		"cache_succeeded_this_run", "media_succeeded_this_run", "llm_succeeded_this_run", "kb_succeeded_this_run",
		"created_at", "updated_at", "cached_at", "processed_at", "kb_generated_at",
	}
}

func itemRowValues(itemID string) []driverValue {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []driverValue{
		itemID, "s1", "twitter", false, "[]", "[]", "hello world", "", false, false, false, false,
		false, false, false, false, false, false, nil, nil, nil, nil, nil, nil, 0, "", "", "", "", "", "[]", "",
		"[]", "{}", 0, nil, nil, "", false, false, false, false, now, now, nil, nil, nil,
	}
}

type driverValue = any

func TestItemStore_Get_Found(t *testing.T) {
	db, mock := newMockStore(t)
	s := NewItemStore(db)

	rows := sqlmock.NewRows(itemColumns()).AddRow(itemRowValues("i1")...)
	mock.ExpectQuery("SELECT \\* FROM items WHERE item_id").WithArgs("i1").WillReturnRows(rows)

	it, err := s.Get(context.Background(), "i1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if it.ItemID != "i1" || it.FullText != "hello world" {
		t.Fatalf("unexpected item: %+v", it)
	}
}

func TestItemStore_List_BuildsFilterClauses(t *testing.T) {
	db, mock := newMockStore(t)
	s := NewItemStore(db)

	main := "software"
	rows := sqlmock.NewRows(itemColumns()).AddRow(itemRowValues("i1")...)
	mock.ExpectQuery("SELECT \\* FROM items WHERE main_category").WillReturnRows(rows)

	items, err := s.List(context.Background(), ItemFilter{Main: &main, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestItemStore_BulkUpdateFlags_RejectsUnknownColumn(t *testing.T) {
	db, _ := newMockStore(t)
	s := NewItemStore(db)

	err := s.BulkUpdateFlags(context.Background(), []string{"i1"}, "item_id", true)
	if err == nil {
		t.Fatal("expected error for disallowed column")
	}
}

func TestItemStore_BulkUpdateFlags(t *testing.T) {
	db, mock := newMockStore(t)
	s := NewItemStore(db)

	mock.ExpectExec("UPDATE items SET cache_complete").WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.BulkUpdateFlags(context.Background(), []string{"i1", "i2"}, "cache_complete", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestItemStore_CleanupOld(t *testing.T) {
	db, mock := newMockStore(t)
	s := NewItemStore(db)

	mock.ExpectExec("DELETE FROM items").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.CleanupOld(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
}
