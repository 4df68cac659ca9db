package orchestrator

import (
	"context"
	"fmt"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// FetchBookmarks discovers bookmark references not yet in the Item Store,
// inserting a new Item row and a matching unprocessed Queue row for each one
// (spec §4.1 fetch_bookmarks).
func (o *Orchestrator) FetchBookmarks(ctx context.Context, taskID string) (int, error) {
	o.Emitter.EmitPhase(ctx, taskID, "fetch_bookmarks", "active", "listing new bookmarks", 0, 0, 0)

	refs, err := o.Fetcher.ListNewItems(ctx)
	if err != nil {
		o.Emitter.EmitPhase(ctx, taskID, "fetch_bookmarks", "failed", err.Error(), 0, 0, 1)
		return 0, fmt.Errorf("fetch_bookmarks: list: %w", err)
	}

	total := len(refs)
	created := 0
	errs := 0
	for i, ref := range refs {
		now := o.now()
		item := &domain.Item{
			ItemID:       fmt.Sprintf("%s:%s", ref.Source, ref.SourceItemID),
			SourceItemID: ref.SourceItemID,
			Source:       ref.Source,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := o.Items.Create(ctx, item); err != nil {
			errs++
			o.Log.Warn("failed to create item during fetch", "item_id", item.ItemID, "error", err)
			continue
		}
		if err := o.Queue.Create(ctx, &domain.QueueRow{
			ItemID: item.ItemID, Status: domain.StatusUnprocessed, Phase: "content_processing",
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			errs++
			o.Log.Warn("failed to enqueue item during fetch", "item_id", item.ItemID, "error", err)
			continue
		}
		created++
		o.Emitter.EmitProgress(ctx, taskID, "fetch_bookmarks", i+1, total)
	}

	o.Emitter.EmitPhase(ctx, taskID, "fetch_bookmarks", "completed", "fetch complete", created, total, errs)
	return created, nil
}
