package validator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// checkDatabaseIntegrity (check 1): required fields present, JSON-ish
// collections non-nil so they never serialize as null.
func (v *Validator) checkDatabaseIntegrity(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "database_integrity"}
	for _, it := range items {
		fixed := false
		if it.ItemID == "" || it.SourceItemID == "" || it.Source == "" {
			result.Issues = append(result.Issues, Issue{
				ItemID: it.ItemID, Type: "missing_required_field", Severity: "high",
				Description: fmt.Sprintf("item %s missing identity field(s)", it.ItemID),
			})
			result.IssueCount++
			continue // no safe repair: identity fields cannot be invented.
		}
		if it.MediaRefs == nil {
			it.MediaRefs = []string{}
			fixed = true
		}
		if it.ThreadSegments == nil {
			it.ThreadSegments = []domain.ThreadSegment{}
			fixed = true
		}
		if it.Errors == nil {
			it.Errors = map[string]string{}
			fixed = true
		}
		if it.KBMediaPaths == nil {
			it.KBMediaPaths = []string{}
			fixed = true
		}
		if it.ImageDescriptions == nil {
			it.ImageDescriptions = []string{}
			fixed = true
		}
		if !fixed {
			continue
		}
		result.IssueCount++
		issue := Issue{
			ItemID: it.ItemID, Type: "null_collection", Severity: "low",
			Description: fmt.Sprintf("item %s had one or more null JSON collection fields", it.ItemID),
		}
		if autoFix {
			if err := v.Items.Update(ctx, it); err == nil {
				issue.Detail = "initialized null collections to empty"
				result.FixesApplied++
			}
		}
		result.Issues = append(result.Issues, issue)
	}
	return result
}

// checkProcessingFlags (check 2): invariants I1-I5. Repair sets a missing
// antecedent flag rather than clearing the dependent one, on the assumption
// that a later flag being true means the underlying work actually happened
// and only the earlier flag's persistence was lost — except categories_processed,
// which is only backfilled when main_category/sub_category/item_name_suggestion
// are already populated (I2); when they are empty there is nothing to backfill
// from, so categories_processed is left false and reported unfixable instead.
func (v *Validator) checkProcessingFlags(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "processing_flags_consistency"}
	for _, it := range items {
		changed := false
		unfixable := false

		categoryFieldsPresent := !isEmptyPtr(it.MainCategory) && !isEmptyPtr(it.SubCategory) && !isEmptyPtr(it.ItemNameSuggestion)

		if it.KBItemCreated {
			if !it.MediaProcessed {
				it.MediaProcessed = true
				changed = true
			}
			if !it.CacheComplete {
				it.CacheComplete = true
				changed = true
			}
			if !it.CategoriesProcessed {
				if categoryFieldsPresent {
					it.CategoriesProcessed = true
					changed = true
				} else {
					unfixable = true
				}
			}
		}
		if it.CategoriesProcessed {
			if !categoryFieldsPresent {
				unfixable = true
			} else if !it.CacheComplete {
				it.CacheComplete = true
				changed = true
			}
		}
		if it.MediaProcessed && !it.CacheComplete {
			it.CacheComplete = true
			changed = true
		}
		allDone := it.URLsExpanded && it.CacheComplete && it.MediaProcessed &&
			it.CategoriesProcessed && it.KBItemCreated && it.KBItemWritten && it.DBSynced
		if it.ProcessingComplete != allDone {
			it.ProcessingComplete = allDone
			changed = true
		}

		if !changed && !unfixable {
			continue
		}
		result.IssueCount++
		issue := Issue{
			ItemID: it.ItemID, Type: "flag_sequence", Severity: "medium",
			Description: fmt.Sprintf("item %s violated a processing-flag invariant", it.ItemID),
		}
		if unfixable {
			issue.Description = fmt.Sprintf("item %s marked categories_processed with an empty category field", it.ItemID)
		}
		if autoFix && changed {
			if err := v.Items.Update(ctx, it); err == nil {
				issue.Detail = "backfilled missing antecedent flag(s) / recomputed processing_complete"
				result.FixesApplied++
			}
		}
		result.Issues = append(result.Issues, issue)
	}
	return result
}

func isEmptyPtr(s *string) bool { return s == nil || *s == "" }

// checkQueueConsistency (check 3): invariant Q1. Flips Queue status to match
// the Item, and deletes orphan Queue rows whose Item no longer exists.
func (v *Validator) checkQueueConsistency(ctx context.Context, items []*domain.Item, queueRows []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "queue_consistency"}
	byID := make(map[string]*domain.Item, len(items))
	for _, it := range items {
		byID[it.ItemID] = it
	}

	for _, q := range queueRows {
		it, ok := byID[q.ItemID]
		if !ok {
			result.IssueCount++
			issue := Issue{
				ItemID: q.ItemID, Type: "orphan_queue_row", Severity: "low",
				Description: fmt.Sprintf("queue row %s has no matching item", q.ItemID),
			}
			if autoFix {
				if err := v.Queue.Delete(ctx, q.ItemID); err == nil {
					issue.Detail = "deleted orphan queue row"
					result.FixesApplied++
				}
			}
			result.Issues = append(result.Issues, issue)
			continue
		}

		processed := q.Status == domain.StatusProcessed
		if processed == it.ProcessingComplete {
			continue
		}
		result.IssueCount++
		want := domain.StatusUnprocessed
		if it.ProcessingComplete {
			want = domain.StatusProcessed
		}
		issue := Issue{
			ItemID: q.ItemID, Type: "queue_status_mismatch", Severity: "medium",
			Description: fmt.Sprintf("queue row %s status %s disagrees with item processing_complete=%v", q.ItemID, q.Status, it.ProcessingComplete),
		}
		if autoFix {
			if err := v.Queue.UpdateStatus(ctx, q.ItemID, want, q.Phase, q.LastError); err == nil {
				issue.Detail = fmt.Sprintf("flipped queue status to %s", want)
				result.FixesApplied++
			}
		}
		result.Issues = append(result.Issues, issue)
	}
	return result
}

// checkCategoryIntegrity (check 4): every item's (main, sub) must exist in
// the category registry. Repair inserts the missing row.
func (v *Validator) checkCategoryIntegrity(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "category_integrity"}
	known := map[string]bool{}
	cats, err := v.Categories.List(ctx)
	if err == nil {
		for _, c := range cats {
			known[c.Main+"/"+c.Sub] = true
		}
	}

	ensured := map[string]bool{}
	for _, it := range items {
		if it.MainCategory == nil || it.SubCategory == nil || *it.MainCategory == "" || *it.SubCategory == "" {
			continue
		}
		key := *it.MainCategory + "/" + *it.SubCategory
		if known[key] || ensured[key] {
			continue
		}
		result.IssueCount++
		issue := Issue{
			ItemID: it.ItemID, Type: "missing_category", Severity: "medium",
			Description: fmt.Sprintf("category %s referenced by item %s is not registered", key, it.ItemID),
		}
		if autoFix {
			name := *it.MainCategory
			if it.ItemNameSuggestion != nil && *it.ItemNameSuggestion != "" {
				name = *it.ItemNameSuggestion
			}
			desc := fmt.Sprintf("%s category %s/%s", v.Cfg.AutoCreatedPrefix, *it.MainCategory, *it.SubCategory)
			if err := v.Categories.EnsureCategory(ctx, *it.MainCategory, *it.SubCategory, name, desc); err == nil {
				ensured[key] = true
				issue.Detail = "inserted missing category row"
				result.FixesApplied++
			}
		}
		result.Issues = append(result.Issues, issue)
	}
	return result
}

// checkFilesystem (check 5): every kb_item_created item's kb_file_path must
// exist and contain the item_id. Repair clears kb_item_created on a miss.
func (v *Validator) checkFilesystem(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "filesystem_consistency"}
	for _, it := range items {
		if !it.KBItemCreated {
			continue
		}
		absPath := ""
		if it.KBFilePath != "" {
			absPath = filepath.Join(v.Cfg.KnowledgeBaseDir, it.KBFilePath)
		}
		if absPath != "" && v.FS.Exists(absPath) && v.FS.Contains(absPath, it.ItemID) {
			continue
		}
		result.IssueCount++
		issue := Issue{
			ItemID: it.ItemID, Type: "missing_file", Severity: "low",
			Description: fmt.Sprintf("item %s references missing or invalid kb file %q", it.ItemID, it.KBFilePath),
		}
		if autoFix {
			it.KBItemCreated = false
			it.KBItemWritten = false
			it.ProcessingComplete = false
			if err := v.Items.Update(ctx, it); err == nil {
				issue.Detail = "cleared kb_item_created/kb_item_written pending recreation"
				result.FixesApplied++
			}
		}
		result.Issues = append(result.Issues, issue)
	}
	return result
}

// checkContentCompleteness (check 6): cache_complete implies non-empty text,
// categories_processed implies a name suggestion (auto-generated as fallback).
func (v *Validator) checkContentCompleteness(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "content_completeness"}
	for _, it := range items {
		if it.CacheComplete && it.FullText == "" && len(it.ThreadSegments) == 0 {
			result.IssueCount++
			result.Issues = append(result.Issues, Issue{
				ItemID: it.ItemID, Type: "empty_cached_content", Severity: "high",
				Description: fmt.Sprintf("item %s marked cache_complete with no text or thread segments", it.ItemID),
			})
		}

		if it.CategoriesProcessed && isEmptyPtr(it.ItemNameSuggestion) {
			result.IssueCount++
			issue := Issue{
				ItemID: it.ItemID, Type: "missing_name_suggestion", Severity: "low",
				Description: fmt.Sprintf("item %s categorized without an item_name_suggestion", it.ItemID),
			}
			if autoFix {
				main := "uncategorized"
				if it.MainCategory != nil {
					main = *it.MainCategory
				}
				fallback := fmt.Sprintf("%s - %s", main, it.ItemID)
				it.ItemNameSuggestion = &fallback
				if err := v.Items.Update(ctx, it); err == nil {
					issue.Detail = fmt.Sprintf("set fallback item_name_suggestion %q", fallback)
					result.FixesApplied++
				}
			}
			result.Issues = append(result.Issues, issue)
		}
	}
	return result
}

// checkRetryMetadata (check 7): retry_count>0 implies a failure_class;
// discards stale retry schedules; reclaims queue rows stuck in processing.
func (v *Validator) checkRetryMetadata(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "retry_metadata"}
	now := v.now()

	for _, it := range items {
		changed := false
		if it.RetryCount > 0 && it.FailureClass == domain.FailureNone {
			result.IssueCount++
			issue := Issue{
				ItemID: it.ItemID, Type: "missing_failure_class", Severity: "medium",
				Description: fmt.Sprintf("item %s has retry_count=%d with no failure_class", it.ItemID, it.RetryCount),
			}
			if autoFix {
				it.FailureClass = domain.FailurePermanent
				changed = true
				issue.Detail = "set failure_class to permanent as a conservative fallback"
			}
			result.Issues = append(result.Issues, issue)
		}

		if it.NextRetryAfter != nil && now.Sub(*it.NextRetryAfter) > v.Cfg.StaleRetryMaxAge {
			result.IssueCount++
			issue := Issue{
				ItemID: it.ItemID, Type: "stale_retry_schedule", Severity: "low",
				Description: fmt.Sprintf("item %s has a retry schedule older than %s", it.ItemID, v.Cfg.StaleRetryMaxAge),
			}
			if autoFix {
				it.NextRetryAfter = nil
				changed = true
				issue.Detail = "discarded stale next_retry_after"
			}
			result.Issues = append(result.Issues, issue)
		}

		if changed {
			if err := v.Items.Update(ctx, it); err == nil {
				result.FixesApplied++
			}
		}
	}

	if autoFix {
		reclaimed, err := v.Queue.ReclaimStuck(ctx, v.Cfg.StuckThreshold)
		if err == nil && reclaimed > 0 {
			result.IssueCount += int(reclaimed)
			result.FixesApplied += int(reclaimed)
			result.Issues = append(result.Issues, Issue{
				Type: "stuck_task_reclaimed", Severity: "medium",
				Description: fmt.Sprintf("%d queue row(s) reclaimed from stale processing state", reclaimed),
				Detail:      "reset to unprocessed",
			})
		}
	}
	return result
}

// checkTemporal (check 8): updated_at >= created_at; missing timestamps
// filled with now.
func (v *Validator) checkTemporal(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "temporal"}
	now := v.now()
	for _, it := range items {
		changed := false
		issueType := ""

		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
			changed = true
			issueType = "missing_created_at"
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
			changed = true
			issueType = "missing_updated_at"
		}
		if it.UpdatedAt.Before(it.CreatedAt) {
			it.UpdatedAt = it.CreatedAt
			changed = true
			issueType = "updated_before_created"
		}

		if !changed {
			continue
		}
		result.IssueCount++
		issue := Issue{ItemID: it.ItemID, Type: issueType, Severity: "low",
			Description: fmt.Sprintf("item %s has an inconsistent or missing timestamp", it.ItemID)}
		if autoFix {
			if err := v.Items.Update(ctx, it); err == nil {
				issue.Detail = "filled/corrected timestamp"
				result.FixesApplied++
			}
		}
		result.Issues = append(result.Issues, issue)
	}
	return result
}

// checkCrossReferences (check 9): recompute each category's item_count from
// the Item Store and correct mismatches.
func (v *Validator) checkCrossReferences(ctx context.Context, items []*domain.Item, _ []*domain.QueueRow, autoFix bool) CheckResult {
	result := CheckResult{Name: "cross_references"}
	actual := map[string]int{}
	for _, it := range items {
		if it.MainCategory == nil || it.SubCategory == nil {
			continue
		}
		actual[*it.MainCategory+"/"+*it.SubCategory]++
	}

	cats, err := v.Categories.List(ctx)
	if err != nil {
		return result
	}
	for _, c := range cats {
		key := c.Main + "/" + c.Sub
		if actual[key] == c.ItemCount {
			continue
		}
		result.IssueCount++
		issue := Issue{
			Type: "item_count_mismatch", Severity: "low",
			Description: fmt.Sprintf("category %s item_count=%d but %d items reference it", key, c.ItemCount, actual[key]),
		}
		if autoFix {
			if err := v.Categories.UpdateItemCount(ctx, c.Main, c.Sub, actual[key]); err == nil {
				issue.Detail = fmt.Sprintf("set item_count to %d", actual[key])
				result.FixesApplied++
			}
		}
		result.Issues = append(result.Issues, issue)
	}
	return result
}
