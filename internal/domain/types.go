// Package domain defines the Item/Queue/Category record shapes shared by the
// orchestrator, validator, and store layers, along with the invariants that
// must hold across them.
package domain

import "time"

// FailureClass classifies why an item's last attempt failed.
type FailureClass string

const (
	FailureNone       FailureClass = ""
	FailureTransient  FailureClass = "transient"
	FailurePermanent  FailureClass = "permanent"
	FailureValidation FailureClass = "validation"
)

// QueueStatus is the lifecycle state of a Queue Row.
type QueueStatus string

const (
	StatusUnprocessed QueueStatus = "unprocessed"
	StatusProcessing  QueueStatus = "processing"
	StatusProcessed   QueueStatus = "processed"
	StatusFailed      QueueStatus = "failed"
)

// ThreadSegment is one post in a thread, carried verbatim from the fetcher.
type ThreadSegment struct {
	Text         string   `json:"text"`
	MediaRefs    []string `json:"media_refs"`
	ExpandedURLs []string `json:"expanded_urls"`
}

// Item is the unified per-bookmark record (spec §3.1).
type Item struct {
	// Identity
	ItemID       string `json:"item_id"`
	SourceItemID string `json:"source_item_id"`
	Source       string `json:"source"`

	// Structure
	IsThread       bool            `json:"is_thread"`
	ThreadSegments []ThreadSegment `json:"thread_segments"`
	MediaRefs      []string        `json:"media_refs"`
	FullText       string          `json:"full_text"`
	RawPayload     []byte          `json:"raw_payload"`

	// Processing flags
	URLsExpanded        bool `json:"urls_expanded"`
	CacheComplete       bool `json:"cache_complete"`
	MediaProcessed      bool `json:"media_processed"`
	CategoriesProcessed bool `json:"categories_processed"`
	KBItemCreated       bool `json:"kb_item_created"`
	KBItemWritten       bool `json:"kb_item_written"`
	ProcessingComplete  bool `json:"processing_complete"`
	DBSynced            bool `json:"db_synced"`

	// Reprocessing controls
	ForceReprocessPipeline bool       `json:"force_reprocess_pipeline"`
	ForceRecache           bool       `json:"force_recache"`
	ReprocessRequestedAt   *time.Time `json:"reprocess_requested_at"`
	ReprocessRequestedBy   *string    `json:"reprocess_requested_by"`

	// Categorization
	MainCategory            *string `json:"main_category"`
	SubCategory              *string `json:"sub_category"`
	ItemNameSuggestion       *string `json:"item_name_suggestion"`
	CategoriesRaw            []byte  `json:"categories_raw"`
	RecategorizationAttempts int     `json:"recategorization_attempts"`

	// KB artifact
	KBTitle        string   `json:"kb_title"`
	KBDisplayTitle string   `json:"kb_display_title"`
	KBDescription  string   `json:"kb_description"`
	KBContent      string   `json:"kb_content"`
	KBFilePath     string   `json:"kb_file_path"`
	KBMediaPaths   []string `json:"kb_media_paths"`
	SourceURL      string   `json:"source_url"`

	// Image/vision
	ImageDescriptions []string `json:"image_descriptions"`

	// Errors and retries
	Errors         map[string]string `json:"errors"`
	RetryCount     int               `json:"retry_count"`
	LastRetryAt    *time.Time        `json:"last_retry_at"`
	NextRetryAfter *time.Time        `json:"next_retry_after"`
	FailureClass   FailureClass      `json:"failure_class"`

	// Per-run ephemeral flags, reset each run by the Orchestrator.
	CacheSucceededThisRun bool `json:"cache_succeeded_this_run"`
	MediaSucceededThisRun bool `json:"media_succeeded_this_run"`
	LLMSucceededThisRun   bool `json:"llm_succeeded_this_run"`
	KBSucceededThisRun    bool `json:"kb_succeeded_this_run"`

	// Timestamps
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CachedAt      *time.Time `json:"cached_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
	KBGeneratedAt *time.Time `json:"kb_generated_at"`
}

// ResetForReprocess clears the processing flags and retry metadata touched
// by a rerun, leaving CacheComplete, URLsExpanded and CachedAt intact unless
// recache is also requested. Category fields are left as they are.
func (it *Item) ResetForReprocess(recache bool) {
	it.MediaProcessed = false
	it.CategoriesProcessed = false
	it.KBItemCreated = false
	it.KBItemWritten = false
	it.ProcessingComplete = false
	it.DBSynced = false
	it.FailureClass = FailureNone
	it.RetryCount = 0
	it.LastRetryAt = nil
	it.NextRetryAfter = nil
	if recache {
		it.CacheComplete = false
		it.URLsExpanded = false
		it.CachedAt = nil
	}
}

// QueueRow is the per-item processing-queue row (spec §3.2).
type QueueRow struct {
	ItemID      string      `json:"item_id"`
	Status      QueueStatus `json:"status"`
	Phase       string      `json:"phase"`
	Priority    int         `json:"priority"`
	RetryCount  int         `json:"retry_count"`
	LastError   string      `json:"last_error"`
	ProcessedAt *time.Time  `json:"processed_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CategoryRow is one entry of the hierarchical category registry (spec §3.3).
type CategoryRow struct {
	Main        string    `json:"main"`
	Sub         string    `json:"sub"`
	DisplayName string    `json:"display_name"`
	SortOrder   int       `json:"sort_order"`
	IsActive    bool      `json:"is_active"`
	ItemCount   int       `json:"item_count"`
	Description string    `json:"description"`
	LastUpdated time.Time `json:"last_updated"`
}

// PhaseMetric is one row of per-run phase statistics (spec §3.4), keyed by
// (run, phase, metric name); store.StatsStore overwrites an existing row with
// the same key rather than adding a second one.
type PhaseMetric struct {
	RunID                string    `json:"run_id" db:"run_id"`
	Phase                string    `json:"phase" db:"phase"`
	MetricName           string    `json:"metric_name" db:"metric_name"`
	MetricValue          float64   `json:"metric_value" db:"metric_value"`
	Unit                 string    `json:"unit" db:"unit"`
	TotalItems           int       `json:"total_items" db:"total_items"`
	TotalDurationSeconds float64   `json:"total_duration_seconds" db:"total_duration_seconds"`
	AvgTimePerItemSecs   float64   `json:"avg_time_per_item_seconds" db:"avg_time_per_item_seconds"`
	RecordedAt           time.Time `json:"recorded_at" db:"recorded_at"`
}

// RunTotals is the per-run summary row of spec §3.4.
type RunTotals struct {
	RunID          string    `json:"run_id" db:"run_id"`
	Processed      int       `json:"processed" db:"processed"`
	Success        int       `json:"success" db:"success"`
	Error          int       `json:"error" db:"error"`
	Skipped        int       `json:"skipped" db:"skipped"`
	MediaProcessed int       `json:"media_processed" db:"media_processed"`
	CacheHits      int       `json:"cache_hits" db:"cache_hits"`
	CacheMisses    int       `json:"cache_misses" db:"cache_misses"`
	NetworkErrors  int       `json:"network_errors" db:"network_errors"`
	RetryCount     int       `json:"retry_count" db:"retry_count"`
	StartTime      time.Time `json:"start_time" db:"start_time"`
	EndTime        time.Time `json:"end_time" db:"end_time"`
	Duration       float64   `json:"duration" db:"duration"`
	SuccessRate    float64   `json:"success_rate" db:"success_rate"`
	ErrorRate      float64   `json:"error_rate" db:"error_rate"`
	CacheHitRate   float64   `json:"cache_hit_rate" db:"cache_hit_rate"`
	AvgRetries     float64   `json:"avg_retries" db:"avg_retries"`
}
