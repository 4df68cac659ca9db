package orchestrator

import (
	"context"
	"fmt"

	"github.com/nepenth/kb-pipeline/internal/domain"
)

// RequestReprocess clears the flags touched by a rerun on the named items and
// re-enqueues them as unprocessed, implementing the operator-facing
// reprocess run mode (spec §4.1 reprocessing logic, §6.3 run_mode=reprocess).
func (o *Orchestrator) RequestReprocess(ctx context.Context, itemIDs []string, recache bool, requestedBy string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	if err := o.Items.BulkSetReprocess(ctx, itemIDs, recache, requestedBy); err != nil {
		return 0, fmt.Errorf("reprocess: mark items: %w", err)
	}

	items, err := o.Items.GetMany(ctx, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("reprocess: reload items: %w", err)
	}

	now := o.now()
	reenqueued := 0
	for _, it := range items {
		it.ResetForReprocess(recache)
		it.UpdatedAt = now
		if err := o.Items.Update(ctx, it); err != nil {
			o.Log.Error("reprocess: failed to reset item", "item_id", it.ItemID, "error", err)
			continue
		}

		if err := o.Queue.UpdateStatus(ctx, it.ItemID, domain.StatusUnprocessed, "content_processing", ""); err != nil {
			o.Log.Error("reprocess: failed to reset queue row", "item_id", it.ItemID, "error", err)
			continue
		}
		reenqueued++
	}
	return reenqueued, nil
}
