package validator

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nepenth/kb-pipeline/internal/domain"
	"github.com/nepenth/kb-pipeline/internal/store"
)

type fakeFS struct {
	existing map[string]string // path -> content
}

func (f *fakeFS) Exists(path string) bool { _, ok := f.existing[path]; return ok }
func (f *fakeFS) Contains(path, s string) bool {
	c, ok := f.existing[path]
	return ok && strings.Contains(c, s)
}

func newTestValidator(t *testing.T) (*Validator, *store.ItemStore, *store.QueueStore, *store.CategoryStore) {
	t.Helper()
	cfg := &store.Config{Driver: store.DriverSQLite, Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1}
	db, err := store.Connect(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	items := store.NewItemStore(db)
	queue := store.NewQueueStore(db)
	categories := store.NewCategoryStore(db)
	fs := &fakeFS{existing: map[string]string{}}
	v := New(items, queue, categories, fs, DefaultConfig(), slog.Default())
	return v, items, queue, categories
}

func mustCreateItem(t *testing.T, items *store.ItemStore, it *domain.Item) {
	t.Helper()
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	if err := items.Create(context.Background(), it); err != nil {
		t.Fatalf("create item: %v", err)
	}
}

func TestValidator_DatabaseIntegrity_FillsNullCollections(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	mustCreateItem(t, items, &domain.Item{ItemID: "a:1", SourceItemID: "1", Source: "a"})

	report, err := v.Run(ctx, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var dbCheck CheckResult
	for _, c := range report.Checks {
		if c.Name == "database_integrity" {
			dbCheck = c
		}
	}
	if dbCheck.IssueCount == 0 || dbCheck.FixesApplied == 0 {
		t.Fatalf("expected database_integrity to find and fix null collections: %+v", dbCheck)
	}

	it, err := items.Get(ctx, "a:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.MediaRefs == nil || it.Errors == nil {
		t.Fatalf("expected collections to be initialized, got %+v", it)
	}
}

func strp(s string) *string { return &s }

func TestValidator_ProcessingFlags_BackfillsAntecedents(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:2", SourceItemID: "2", Source: "a",
		KBItemCreated:      true, // antecedents never got set
		MainCategory:       strp("software"),
		SubCategory:        strp("testing"),
		ItemNameSuggestion: strp("hello_diagram"),
	})

	if _, err := v.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	it, err := items.Get(ctx, "a:2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !it.CacheComplete || !it.MediaProcessed || !it.CategoriesProcessed {
		t.Fatalf("expected antecedent flags backfilled, got %+v", it)
	}
}

// Mirrors spec scenario S3: kb_item_created=true, categories_processed=false,
// and no category has ever been assigned. The repair must not fabricate
// categories_processed=true from empty category fields; it should leave the
// flag false and report the item as an unfixable issue instead.
func TestValidator_ProcessingFlags_DoesNotFabricateCategoriesFromEmptyFields(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:3", SourceItemID: "3", Source: "a",
		KBItemCreated: true, // antecedents never got set; no category assigned
	})

	report, err := v.Run(ctx, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	it, err := items.Get(ctx, "a:3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.CategoriesProcessed {
		t.Fatalf("expected categories_processed to remain false, got %+v", it)
	}

	var flagCheck CheckResult
	for _, c := range report.Checks {
		if c.Name == "processing_flags_consistency" {
			flagCheck = c
		}
	}
	if flagCheck.IssueCount == 0 {
		t.Fatalf("expected the unfixable category-flag issue to be reported: %+v", flagCheck)
	}
}

func TestValidator_QueueConsistency_DeletesOrphanRow(t *testing.T) {
	v, _, queue, _ := newTestValidator(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := queue.Create(ctx, &domain.QueueRow{ItemID: "ghost:1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create queue row: %v", err)
	}

	if _, err := v.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := queue.Get(ctx, "ghost:1"); err != store.ErrNotFound {
		t.Fatalf("expected orphan queue row to be deleted, got err=%v", err)
	}
}

func TestValidator_CategoryIntegrity_InsertsMissingCategory(t *testing.T) {
	v, items, _, categories := newTestValidator(t)
	ctx := context.Background()
	main, sub, name := "software", "testing", "Example"
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:3", SourceItemID: "3", Source: "a",
		MainCategory: &main, SubCategory: &sub, ItemNameSuggestion: &name, CategoriesProcessed: true,
	})

	if _, err := v.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	cat, err := categories.Get(ctx, main, sub)
	if err != nil {
		t.Fatalf("expected category to be auto-created: %v", err)
	}
	if cat.Main != main || cat.Sub != sub {
		t.Fatalf("unexpected category: %+v", cat)
	}
}

func TestValidator_Filesystem_ClearsKBItemCreatedOnMissingFile(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:4", SourceItemID: "4", Source: "a",
		KBItemCreated: true, KBItemWritten: true, KBFilePath: "kb/missing.md",
	})

	if _, err := v.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	it, err := items.Get(ctx, "a:4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.KBItemCreated {
		t.Fatalf("expected kb_item_created to be cleared for missing file, got %+v", it)
	}
}

// kb_file_path is stored project-root-relative (spec §4.1 cp_kb_item); the
// filesystem check must join it against Cfg.KnowledgeBaseDir before probing
// disk, not treat it as already-absolute.
func TestValidator_Filesystem_PassesWhenFileExistsUnderKnowledgeBaseDir(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	relPath := filepath.Join("software", "testing", "hello_diagram", "README.md")
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:9", SourceItemID: "9", Source: "a",
		KBItemCreated: true, KBItemWritten: true, KBFilePath: relPath,
	})
	v.FS.(*fakeFS).existing[filepath.Join(v.Cfg.KnowledgeBaseDir, relPath)] = "content referencing a:9"

	report, err := v.Run(ctx, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	it, err := items.Get(ctx, "a:9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !it.KBItemCreated {
		t.Fatalf("expected kb_item_created to remain true when the file exists, got %+v", it)
	}

	for _, c := range report.Checks {
		if c.Name == "filesystem_consistency" && c.IssueCount != 0 {
			t.Fatalf("expected no filesystem_consistency issues, got %+v", c)
		}
	}
}

func TestValidator_ContentCompleteness_GeneratesFallbackName(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	main, sub := "software", "testing"
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:5", SourceItemID: "5", Source: "a",
		FullText: "has content", CacheComplete: true,
		MainCategory: &main, SubCategory: &sub, CategoriesProcessed: true,
	})

	if _, err := v.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	it, err := items.Get(ctx, "a:5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.ItemNameSuggestion == nil || *it.ItemNameSuggestion == "" {
		t.Fatal("expected a fallback item_name_suggestion to be generated")
	}
}

func TestValidator_RetryMetadata_DiscardsStaleSchedule(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	stale := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:6", SourceItemID: "6", Source: "a",
		NextRetryAfter: &stale,
	})

	if _, err := v.Run(ctx, true); err != nil {
		t.Fatalf("run: %v", err)
	}

	it, err := items.Get(ctx, "a:6")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.NextRetryAfter != nil {
		t.Fatalf("expected stale retry schedule to be discarded, got %+v", it.NextRetryAfter)
	}
}

func TestValidator_HealthScore_ExcellentWithNoIssues(t *testing.T) {
	v, items, _, categories := newTestValidator(t)
	ctx := context.Background()
	main, sub, name := "software", "testing", "Example"
	if err := categories.EnsureCategory(ctx, main, sub, name, ""); err != nil {
		t.Fatalf("ensure category: %v", err)
	}
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:7", SourceItemID: "7", Source: "a",
		MediaRefs: []string{}, ThreadSegments: []domain.ThreadSegment{}, Errors: map[string]string{},
		KBMediaPaths: []string{}, ImageDescriptions: []string{},
		MainCategory: &main, SubCategory: &sub, ItemNameSuggestion: &name,
		FullText: "content", CacheComplete: true, MediaProcessed: true, CategoriesProcessed: true,
	})
	if err := categories.UpdateItemCount(ctx, main, sub, 1); err != nil {
		t.Fatalf("update item count: %v", err)
	}

	report, err := v.Run(ctx, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.HealthScore != 100 || report.Status != StatusExcellent {
		t.Fatalf("expected a perfect score, got %+v", report)
	}
}

func TestValidator_Idempotent_SecondPassFixesNothing(t *testing.T) {
	v, items, _, _ := newTestValidator(t)
	ctx := context.Background()
	mustCreateItem(t, items, &domain.Item{
		ItemID: "a:8", SourceItemID: "8", Source: "a", KBItemCreated: true,
	})

	if _, err := v.Run(ctx, true); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := v.Run(ctx, true)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	totalFixes := 0
	for _, c := range second.Checks {
		totalFixes += c.FixesApplied
	}
	if totalFixes != 0 {
		t.Fatalf("expected zero fixes on the second pass, got %d", totalFixes)
	}
}
