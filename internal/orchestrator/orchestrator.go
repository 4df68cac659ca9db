// Package orchestrator drives the fixed pipeline of main phases and content
// sub-phases over Items, recording progress and errors (spec §4.1, C5).
package orchestrator

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/nepenth/kb-pipeline/internal/domain"
	"github.com/nepenth/kb-pipeline/internal/ports"
	"github.com/nepenth/kb-pipeline/internal/ports/categorygraph"
	"github.com/nepenth/kb-pipeline/internal/ports/vectorstore"
	"github.com/nepenth/kb-pipeline/internal/store"
	"github.com/nepenth/kb-pipeline/pkg/resilience"
)

// Emitter is the subset of the event producer (C6) the orchestrator needs;
// kept narrow here to avoid an import cycle with internal/eventbus/producer,
// whose concrete type satisfies this interface structurally.
type Emitter interface {
	EmitLog(ctx context.Context, taskID string, level, message, component, phase string, structured map[string]any)
	EmitPhase(ctx context.Context, taskID, phaseID, kind, message string, processed, total, errorCount int)
	EmitProgress(ctx context.Context, taskID, operation string, current, total int)
	EmitStatus(ctx context.Context, taskID string, isRunning bool, currentPhaseMessage, currentPhase string)
}

// BackoffConfig parameterizes the retry schedule of spec §4.1.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches spec §4.1's base=1s, max_backoff=60s, max_attempts=10.
var DefaultBackoff = BackoffConfig{Base: time.Second, Max: 60 * time.Second, MaxAttempts: 10}

// Config holds the tunables the orchestrator is constructed with.
type Config struct {
	Workers               int
	MaxConcurrentRequests int
	KnowledgeBaseDir      string
	MinItemsForSynthesis  int
	Backoff               BackoffConfig

	FetchTimeout     time.Duration
	MediaTimeout     time.Duration
	LLMTimeout       time.Duration
	RendererTimeout  time.Duration
	PublisherTimeout time.Duration
}

// DefaultConfig returns the spec §5/§9 defaults.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	return Config{
		Workers:               workers,
		MaxConcurrentRequests: 1,
		KnowledgeBaseDir:      "knowledge_base",
		MinItemsForSynthesis:  3,
		Backoff:               DefaultBackoff,
		FetchTimeout:          180 * time.Second,
		MediaTimeout:          120 * time.Second,
		LLMTimeout:            300 * time.Second,
		RendererTimeout:       60 * time.Second,
		PublisherTimeout:      120 * time.Second,
	}
}

// Orchestrator is the Phase Orchestrator (C5): it mutates the Item/Queue/
// Category stores, calls capability ports for side-effecting work, and
// emits events through the Producer as it runs.
type Orchestrator struct {
	Items      *store.ItemStore
	Queue      *store.QueueStore
	Categories *store.CategoryStore
	Stats      *store.StatsStore
	Graph      *categorygraph.Graph
	Vectors    *vectorstore.Store

	// Breaker guards the Vision/LLM model calls made across an item sweep.
	// May be nil, in which case those calls run unguarded; set it to stop
	// hammering an already-unreachable model host across hundreds of items.
	Breaker *resilience.Breaker

	Fetcher   ports.Fetcher
	Media     ports.MediaStore
	Vision    ports.Vision
	LLM       ports.LLM
	Renderer  ports.Renderer
	Publisher ports.Publisher

	Emitter Emitter
	Cfg     Config
	Log     *slog.Logger

	clock func() time.Time
}

// New constructs an Orchestrator. Graph and Vectors may be nil when those
// ports are not configured for a given deployment.
func New(items *store.ItemStore, queue *store.QueueStore, categories *store.CategoryStore, stats *store.StatsStore,
	fetcher ports.Fetcher, media ports.MediaStore, vision ports.Vision, llm ports.LLM, renderer ports.Renderer,
	publisher ports.Publisher, emitter Emitter, cfg Config, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Items: items, Queue: queue, Categories: categories, Stats: stats,
		Fetcher: fetcher, Media: media, Vision: vision, LLM: llm, Renderer: renderer, Publisher: publisher,
		Emitter: emitter, Cfg: cfg, Log: log, clock: time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.clock != nil {
		return o.clock()
	}
	return time.Now().UTC()
}

// guardModel routes a Vision/LLM call through Breaker when one is configured,
// so a model host that is already down fails fast for the rest of the sweep
// instead of every remaining item paying its own timeout.
func (o *Orchestrator) guardModel(ctx context.Context, f func(context.Context) error) error {
	if o.Breaker == nil {
		return f(ctx)
	}
	return o.Breaker.Call(ctx, f)
}

// RunDescriptor is the operator-facing run request (spec §6.3).
type RunDescriptor struct {
	RunMode       string // full | phase_only | reprocess
	EnabledPhases []string
	Preferences   map[string]any
}

func phaseEnabled(d RunDescriptor, phase string) bool {
	if len(d.EnabledPhases) == 0 {
		return true
	}
	for _, p := range d.EnabledPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// Run executes one full sweep of the pipeline's main phases for a task,
// honoring the RunDescriptor's phase toggles (phase 1, user_input_parsing,
// is this method's own argument parsing and is not separately modeled).
func (o *Orchestrator) Run(ctx context.Context, runID, taskID string, d RunDescriptor) (RunResult, error) {
	start := o.now()
	o.Emitter.EmitStatus(ctx, taskID, true, "starting pipeline run", "user_input_parsing")

	result := RunResult{RunID: runID, StartTime: start}

	if phaseEnabled(d, "fetch_bookmarks") {
		n, err := o.FetchBookmarks(ctx, taskID)
		if err != nil {
			return result, err
		}
		result.Fetched = n
	}

	if phaseEnabled(d, "content_processing") {
		cpResult, err := o.RunContentProcessing(ctx, runID, taskID, 0)
		if err != nil {
			return result, err
		}
		result.Processed = cpResult.Processed
		result.Success = cpResult.Success
		result.Error = cpResult.Error
		result.Skipped = cpResult.Skipped
	}

	if phaseEnabled(d, "synthesis_generation") {
		if err := o.RunSynthesis(ctx, taskID); err != nil {
			o.Log.Warn("synthesis_generation failed", "error", err)
		}
	}

	if phaseEnabled(d, "embedding_generation") {
		if err := o.RunEmbedding(ctx, taskID); err != nil {
			o.Log.Warn("embedding_generation failed", "error", err)
		}
	}

	if phaseEnabled(d, "readme_generation") {
		if err := o.RunReadmeGeneration(ctx, taskID); err != nil {
			o.Log.Warn("readme_generation failed", "error", err)
		}
	}

	if phaseEnabled(d, "git_sync") {
		if err := o.RunGitSync(ctx, taskID); err != nil {
			o.Log.Warn("git_sync failed", "error", err)
		}
	}

	result.EndTime = o.now()
	result.Duration = result.EndTime.Sub(result.StartTime).Seconds()
	o.Emitter.EmitStatus(ctx, taskID, false, "run complete", "")

	totals := &domain.RunTotals{
		RunID: runID, Processed: result.Processed, Success: result.Success, Error: result.Error,
		Skipped: result.Skipped, StartTime: result.StartTime, EndTime: result.EndTime, Duration: result.Duration,
	}
	if result.Processed > 0 {
		totals.SuccessRate = float64(result.Success) / float64(result.Processed)
		totals.ErrorRate = float64(result.Error) / float64(result.Processed)
	}
	if err := o.Stats.UpsertRunTotals(ctx, totals); err != nil {
		o.Log.Warn("failed to persist run totals", "error", err)
	}
	return result, nil
}

// RunResult summarizes one orchestrator sweep (spec §4.1 phase contract).
type RunResult struct {
	RunID     string
	Fetched   int
	Processed int
	Success   int
	Error     int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
	Duration  float64
}
