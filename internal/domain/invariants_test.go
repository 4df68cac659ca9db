package domain

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestCheckItemInvariants_KBCreatedRequiresChain(t *testing.T) {
	now := time.Now()
	it := &Item{CreatedAt: now, UpdatedAt: now, KBItemCreated: true}
	errs := CheckItemInvariants(it)
	if len(errs) == 0 {
		t.Fatal("expected I1 violation when kb_item_created is true without prerequisites")
	}
}

func TestCheckItemInvariants_CategoriesRequireNames(t *testing.T) {
	now := time.Now()
	it := &Item{CreatedAt: now, UpdatedAt: now, CacheComplete: true, CategoriesProcessed: true}
	errs := CheckItemInvariants(it)
	if len(errs) == 0 {
		t.Fatal("expected I2 violation when category names are missing")
	}
}

func TestCheckItemInvariants_ValidChainPasses(t *testing.T) {
	now := time.Now()
	it := &Item{
		CreatedAt: now, UpdatedAt: now,
		URLsExpanded: true, CacheComplete: true, MediaProcessed: true,
		CategoriesProcessed: true, KBItemCreated: true, KBItemWritten: true, DBSynced: true,
		ProcessingComplete: true,
		MainCategory:       strp("software"),
		SubCategory:        strp("testing"),
		ItemNameSuggestion: strp("hello_diagram"),
		KBFilePath:         "software/testing/hello_diagram/README.md",
	}
	errs := CheckItemInvariants(it)
	if len(errs) != 0 {
		t.Fatalf("expected no violations, got %v", errs)
	}
}

func TestCheckItemInvariants_StaleTimestamp(t *testing.T) {
	now := time.Now()
	it := &Item{CreatedAt: now, UpdatedAt: now.Add(-time.Hour)}
	errs := CheckItemInvariants(it)
	if len(errs) == 0 {
		t.Fatal("expected I6 violation when updated_at precedes created_at")
	}
}

func TestCheckQueueInvariant_Mismatch(t *testing.T) {
	q := &QueueRow{Status: StatusProcessed}
	it := &Item{ProcessingComplete: false}
	if err := CheckQueueInvariant(q, it); err == nil {
		t.Fatal("expected Q1 mismatch error")
	}
}

func TestCheckQueueInvariant_Match(t *testing.T) {
	q := &QueueRow{Status: StatusUnprocessed}
	it := &Item{ProcessingComplete: false}
	if err := CheckQueueInvariant(q, it); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestNormalizeCategory(t *testing.T) {
	cases := map[string]string{
		"Software Testing": "software_testing",
		"  Engine Repair ": "engine_repair",
		"HVAC/AC":          "hvac_ac",
	}
	for in, want := range cases {
		if got := NormalizeCategory(in); got != want {
			t.Fatalf("NormalizeCategory(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResetForReprocess_KeepsCacheWithoutRecache(t *testing.T) {
	cached := time.Now()
	it := &Item{CacheComplete: true, CachedAt: &cached, KBItemCreated: true, RetryCount: 3}
	it.ResetForReprocess(false)
	if !it.CacheComplete || it.CachedAt == nil {
		t.Fatal("cache state should survive a non-recache reprocess")
	}
	if it.KBItemCreated || it.RetryCount != 0 {
		t.Fatal("downstream flags and retry count should reset")
	}
}

func TestResetForReprocess_Recache(t *testing.T) {
	cached := time.Now()
	it := &Item{CacheComplete: true, CachedAt: &cached}
	it.ResetForReprocess(true)
	if it.CacheComplete || it.CachedAt != nil {
		t.Fatal("recache should clear cache_complete and cached_at")
	}
}
