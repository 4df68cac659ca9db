package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nepenth/kb-pipeline/internal/domain"
	"github.com/nepenth/kb-pipeline/internal/ports"
	"github.com/nepenth/kb-pipeline/pkg/fn"
)

// writeKBFile persists rendered content to the local knowledge base tree
// before the Publisher commits+pushes it; Renderer only produces content
// (spec §6.1 render_item/render_index are pure), so the orchestrator owns
// the local write the Publisher's paths then point at.
func writeKBFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write kb file %s: mkdir: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write kb file %s: %w", path, err)
	}
	return nil
}

// ContentProcessingResult summarizes one sweep of content_processing.
type ContentProcessingResult struct {
	Processed int
	Success   int
	Error     int
	Skipped   int
}

// RunContentProcessing claims up to limit items (0 means
// Cfg.Workers*4, a modest default batch) from the queue and
// drives each through the cp_cache/cp_media/cp_llm/cp_kb_item/cp_db_sync
// sub-phase pipeline with bounded worker concurrency (spec §4.1, §5).
func (o *Orchestrator) RunContentProcessing(ctx context.Context, runID, taskID string, limit int) (ContentProcessingResult, error) {
	if limit <= 0 {
		limit = o.Cfg.Workers * 4
	}
	rows, err := o.Queue.NextForProcessing(ctx, limit)
	if err != nil {
		return ContentProcessingResult{}, fmt.Errorf("claim queue rows: %w", err)
	}
	if len(rows) == 0 {
		return ContentProcessingResult{}, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ItemID
	}
	items, err := o.Items.GetMany(ctx, ids)
	if err != nil {
		return ContentProcessingResult{}, fmt.Errorf("load claimed items: %w", err)
	}

	total := len(items)
	o.Emitter.EmitPhase(ctx, taskID, "content_processing", "active", "processing items", 0, total, 0)

	stage := o.itemPipeline(runID, taskID)
	results := fn.ParMapResult(items, o.Cfg.Workers, func(it *domain.Item) fn.Result[*domain.Item] {
		return stage(ctx, it)
	})

	var out ContentProcessingResult
	for i, r := range results {
		out.Processed++
		if _, err := r.Unwrap(); err != nil {
			out.Error++
			o.Emitter.EmitLog(ctx, taskID, "error", err.Error(), "content_processing", "content_processing", map[string]any{
				"item_id": items[i].ItemID,
			})
			continue
		}
		out.Success++
	}
	o.Emitter.EmitPhase(ctx, taskID, "content_processing", "completed", "content processing sweep done", out.Processed, total, out.Error)
	return out, nil
}

// itemPipeline composes the five content sub-phases into one Stage, persisting
// the item and its queue row after each attempt regardless of outcome so a
// crash mid-run loses at most the in-flight sub-phase (spec §4.1, I5).
func (o *Orchestrator) itemPipeline(runID, taskID string) fn.Stage[*domain.Item, *domain.Item] {
	pipeline := fn.Pipeline(
		o.cpCache(taskID),
		o.cpMedia(taskID),
		o.cpLLM(taskID),
		o.cpKBItem(taskID),
		o.cpDBSync(taskID),
	)
	return func(ctx context.Context, it *domain.Item) fn.Result[*domain.Item] {
		r := pipeline(ctx, it)
		_, err := r.Unwrap()
		o.finishAttempt(ctx, it, err)
		return r
	}
}

// finishAttempt records the outcome of one item's pass through the sub-phase
// pipeline: on success it clears retry bookkeeping; on failure it classifies
// the error, bumps retry_count, and schedules next_retry_after per Backoff,
// moving the item to permanent failure once the retry budget is exhausted.
func (o *Orchestrator) finishAttempt(ctx context.Context, it *domain.Item, err error) {
	now := o.now()
	it.UpdatedAt = now

	if err == nil {
		it.FailureClass = domain.FailureNone
		it.RetryCount = 0
		it.NextRetryAfter = nil
		it.ProcessedAt = &now
		if saveErr := o.Items.Update(ctx, it); saveErr != nil {
			o.Log.Error("failed to persist item after successful attempt", "item_id", it.ItemID, "error", saveErr)
			return
		}
		status := domain.StatusUnprocessed
		if it.ProcessingComplete {
			status = domain.StatusProcessed
		}
		if saveErr := o.Queue.UpdateStatus(ctx, it.ItemID, status, "content_processing", ""); saveErr != nil {
			o.Log.Error("failed to persist queue row after successful attempt", "item_id", it.ItemID, "error", saveErr)
		}
		return
	}

	class := classify(err)
	it.FailureClass = class
	it.RetryCount++
	it.LastRetryAt = &now
	it.Errors = mergeError(it.Errors, "content_processing", err.Error())

	queueStatus := domain.StatusFailed
	if class == domain.FailureTransient && !MaxAttemptsExceeded(it.RetryCount, o.Cfg.Backoff) {
		next := now.Add(Backoff(it.RetryCount, o.Cfg.Backoff))
		it.NextRetryAfter = &next
		queueStatus = domain.StatusUnprocessed
	} else {
		if class == domain.FailureTransient {
			it.FailureClass = domain.FailurePermanent
		}
		it.NextRetryAfter = nil
	}

	if saveErr := o.Items.Update(ctx, it); saveErr != nil {
		o.Log.Error("failed to persist item after failed attempt", "item_id", it.ItemID, "error", saveErr)
		return
	}
	if saveErr := o.Queue.UpdateStatus(ctx, it.ItemID, queueStatus, "content_processing", err.Error()); saveErr != nil {
		o.Log.Error("failed to persist queue row after failed attempt", "item_id", it.ItemID, "error", saveErr)
	}
}

func mergeError(errs map[string]string, phase, msg string) map[string]string {
	if errs == nil {
		errs = map[string]string{}
	}
	errs[phase] = msg
	return errs
}

// cpCache resolves expanded URLs and caches thread/media references onto the
// item's full text, marking cache_complete (spec §4.1 cp_cache).
func (o *Orchestrator) cpCache(taskID string) fn.Stage[*domain.Item, *domain.Item] {
	return func(ctx context.Context, it *domain.Item) fn.Result[*domain.Item] {
		if it.CacheComplete && !it.ForceRecache {
			return fn.Ok(it)
		}
		ctx, cancel := context.WithTimeout(ctx, o.Cfg.FetchTimeout)
		defer cancel()

		fetched, err := o.Fetcher.FetchItem(ctx, ports.ExternalRef{SourceItemID: it.SourceItemID, Source: it.Source})
		if err != nil {
			return fn.Err[*domain.Item](Transient(fmt.Errorf("cp_cache: %w", err)))
		}
		it.RawPayload = fetched.RawPayload
		it.IsThread = len(fetched.ThreadSegments) > 1
		it.MediaRefs = fetched.MediaURLs

		segments := make([]domain.ThreadSegment, 0, len(fetched.ThreadSegments))
		var fullText string
		for i, seg := range fetched.ThreadSegments {
			segments = append(segments, domain.ThreadSegment{
				Text: seg.Text, MediaRefs: seg.MediaURLs, ExpandedURLs: seg.ExpandedURLs,
			})
			if i > 0 {
				fullText += "\n\n"
			}
			fullText += seg.Text
		}
		it.ThreadSegments = segments
		it.FullText = fullText
		it.URLsExpanded = true
		it.CacheComplete = true
		it.CacheSucceededThisRun = true
		now := o.now()
		it.CachedAt = &now
		o.Emitter.EmitProgress(ctx, taskID, "cp_cache", 1, 1)
		return fn.Ok(it)
	}
}

// cpMedia downloads referenced media locally and, when a Vision port is
// configured, produces a vision description for every downloaded file,
// marking media_processed (spec §4.1 cp_media). Video files are not told
// apart from images; each one is sent to Vision as well.
func (o *Orchestrator) cpMedia(taskID string) fn.Stage[*domain.Item, *domain.Item] {
	return func(ctx context.Context, it *domain.Item) fn.Result[*domain.Item] {
		if !it.CacheComplete {
			return fn.Err[*domain.Item](domain.NewValidationError("cache_complete", "false", domain.ErrInvalidFlagSequence))
		}
		if it.MediaProcessed {
			return fn.Ok(it)
		}
		ctx, cancel := context.WithTimeout(ctx, o.Cfg.MediaTimeout)
		defer cancel()

		paths := make([]string, 0, len(it.MediaRefs))
		descriptions := make([]string, 0, len(it.MediaRefs))
		for _, url := range it.MediaRefs {
			path, err := o.Media.Download(ctx, url)
			if err != nil {
				return fn.Err[*domain.Item](Transient(fmt.Errorf("cp_media: download %s: %w", url, err)))
			}
			paths = append(paths, path)
			if o.Vision != nil {
				var desc string
				err := o.guardModel(ctx, func(ctx context.Context) error {
					var visionErr error
					desc, visionErr = o.Vision.DescribeImage(ctx, path)
					return visionErr
				})
				if err != nil {
					return fn.Err[*domain.Item](Transient(fmt.Errorf("cp_media: describe %s: %w", path, err)))
				}
				descriptions = append(descriptions, desc)
			}
		}
		it.KBMediaPaths = paths
		it.ImageDescriptions = descriptions
		it.MediaProcessed = true
		it.MediaSucceededThisRun = true
		o.Emitter.EmitProgress(ctx, taskID, "cp_media", 1, 1)
		return fn.Ok(it)
	}
}

// cpLLM categorizes the item against the main/sub taxonomy and ensures the
// category registry row exists, marking categories_processed (spec §4.1 cp_llm).
func (o *Orchestrator) cpLLM(taskID string) fn.Stage[*domain.Item, *domain.Item] {
	return func(ctx context.Context, it *domain.Item) fn.Result[*domain.Item] {
		if !it.CacheComplete {
			return fn.Err[*domain.Item](domain.NewValidationError("cache_complete", "false", domain.ErrInvalidFlagSequence))
		}
		if it.CategoriesProcessed {
			return fn.Ok(it)
		}
		ctx, cancel := context.WithTimeout(ctx, o.Cfg.LLMTimeout)
		defer cancel()

		var cat ports.Categorization
		err := o.guardModel(ctx, func(ctx context.Context) error {
			var catErr error
			cat, catErr = o.LLM.Categorize(ctx, it.FullText, it.ImageDescriptions)
			return catErr
		})
		if err != nil {
			it.RecategorizationAttempts++
			return fn.Err[*domain.Item](Transient(fmt.Errorf("cp_llm: categorize: %w", err)))
		}
		if cat.Main == "" || cat.Sub == "" || cat.Name == "" {
			return fn.Err[*domain.Item](domain.NewValidationError("categorize", cat.Main+"/"+cat.Sub, domain.ErrMissingField))
		}

		if err := o.Categories.EnsureCategory(ctx, cat.Main, cat.Sub, cat.Name, cat.Description); err != nil {
			return fn.Err[*domain.Item](Transient(fmt.Errorf("cp_llm: ensure category: %w", err)))
		}
		if o.Graph != nil {
			if err := o.Graph.EnsureCategory(ctx, cat.Main, cat.Sub, cat.Name); err != nil {
				o.Log.Warn("category graph sync failed", "item_id", it.ItemID, "error", err)
			}
		}

		main, sub, name := cat.Main, cat.Sub, cat.Name
		it.MainCategory = &main
		it.SubCategory = &sub
		it.ItemNameSuggestion = &name
		it.KBDescription = cat.Description
		it.CategoriesProcessed = true
		it.LLMSucceededThisRun = true
		o.Emitter.EmitProgress(ctx, taskID, "cp_llm", 1, 1)
		return fn.Ok(it)
	}
}

// cpKBItem renders the markdown knowledge-base document and writes it to the
// knowledge-base tree, marking kb_item_created and kb_item_written (spec §4.1 cp_kb_item).
func (o *Orchestrator) cpKBItem(taskID string) fn.Stage[*domain.Item, *domain.Item] {
	return func(ctx context.Context, it *domain.Item) fn.Result[*domain.Item] {
		if !it.CategoriesProcessed {
			return fn.Err[*domain.Item](domain.NewValidationError("categories_processed", "false", domain.ErrInvalidFlagSequence))
		}
		if it.KBItemCreated && it.KBItemWritten {
			return fn.Ok(it)
		}
		ctx, cancel := context.WithTimeout(ctx, o.Cfg.RendererTimeout)
		defer cancel()

		main, sub := "", ""
		if it.MainCategory != nil {
			main = *it.MainCategory
		}
		if it.SubCategory != nil {
			sub = *it.SubCategory
		}
		title := it.KBTitle
		if title == "" && it.ItemNameSuggestion != nil {
			title = *it.ItemNameSuggestion
		}
		itemName := ""
		if it.ItemNameSuggestion != nil {
			itemName = *it.ItemNameSuggestion
		}

		content, err := o.Renderer.RenderItem(ports.RenderItem{
			ItemID: it.ItemID, Title: title, Description: it.KBDescription, FullText: it.FullText,
			Main: main, Sub: sub, ImageDescriptions: it.ImageDescriptions, MediaPaths: it.KBMediaPaths,
			SourceURL: it.SourceURL,
		})
		if err != nil {
			return fn.Err[*domain.Item](fmt.Errorf("cp_kb_item: render: %w", err))
		}
		it.KBContent = content
		it.KBTitle = title
		it.KBDisplayTitle = title
		// kb_file_path is root-relative (spec §4.1 cp_kb_item:
		// <main>/<sub>/<item_name>/README.md, keyed by item_name_suggestion,
		// not kb_title); the KnowledgeBaseDir is only joined in at the I/O
		// boundary below, not baked into the stored path.
		it.KBFilePath = filepath.Join(main, sub, itemName, "README.md")
		it.KBItemCreated = true

		absPath := filepath.Join(o.Cfg.KnowledgeBaseDir, it.KBFilePath)
		if err := writeKBFile(absPath, content); err != nil {
			return fn.Err[*domain.Item](Transient(fmt.Errorf("cp_kb_item: %w", err)))
		}
		if err := o.Publisher.Publish(ctx, []string{absPath}); err != nil {
			return fn.Err[*domain.Item](Transient(fmt.Errorf("cp_kb_item: publish: %w", err)))
		}
		it.KBItemWritten = true
		now := o.now()
		it.KBGeneratedAt = &now
		if o.Graph != nil {
			if err := o.Graph.LinkItem(ctx, it.ItemID, main, sub); err != nil {
				o.Log.Warn("category graph link failed", "item_id", it.ItemID, "error", err)
			}
		}
		o.Emitter.EmitProgress(ctx, taskID, "cp_kb_item", 1, 1)
		return fn.Ok(it)
	}
}

// cpDBSync marks the item fully processed once every prior flag is set,
// matching invariant I5. Category item_count is reconciled separately by the
// validator's cross-reference check rather than incremented per item here,
// since concurrent workers completing items in the same category would race
// on a read-modify-write increment (spec §4.1 cp_db_sync, §4.2 check 9).
func (o *Orchestrator) cpDBSync(taskID string) fn.Stage[*domain.Item, *domain.Item] {
	return func(ctx context.Context, it *domain.Item) fn.Result[*domain.Item] {
		if !it.KBItemCreated || !it.KBItemWritten {
			return fn.Err[*domain.Item](domain.NewValidationError("kb_item_written", "false", domain.ErrInvalidFlagSequence))
		}
		it.ProcessingComplete = it.URLsExpanded && it.CacheComplete && it.MediaProcessed &&
			it.CategoriesProcessed && it.KBItemCreated && it.KBItemWritten
		it.DBSynced = true
		o.Emitter.EmitProgress(ctx, taskID, "cp_db_sync", 1, 1)
		return fn.Ok(it)
	}
}
