package orchestrator

import (
	"context"
	"fmt"

	"github.com/nepenth/kb-pipeline/internal/ports/vectorstore"
	"github.com/nepenth/kb-pipeline/internal/store"
)

// RunEmbedding embeds every completed item's full text and upserts the vector
// into the configured vector store, skipping entirely when no vector store is
// wired (spec §4.1 embedding_generation; SPEC_FULL §B vector search wiring).
func (o *Orchestrator) RunEmbedding(ctx context.Context, taskID string) error {
	if o.Vectors == nil {
		return nil
	}
	o.Emitter.EmitPhase(ctx, taskID, "embedding_generation", "active", "embedding completed items", 0, 0, 0)

	complete := true
	items, err := o.Items.List(ctx, store.ItemFilter{ProcessingComplete: &complete})
	if err != nil {
		return fmt.Errorf("embedding_generation: list items: %w", err)
	}

	total := len(items)
	done := 0
	errs := 0
	for i, it := range items {
		ctx, cancel := context.WithTimeout(ctx, o.Cfg.LLMTimeout)
		var vec []float32
		err := o.guardModel(ctx, func(ctx context.Context) error {
			var embedErr error
			vec, embedErr = o.LLM.Embed(ctx, it.FullText)
			return embedErr
		})
		cancel()
		if err != nil {
			errs++
			o.Log.Warn("embed failed", "item_id", it.ItemID, "error", err)
			continue
		}

		main, sub := "", ""
		if it.MainCategory != nil {
			main = *it.MainCategory
		}
		if it.SubCategory != nil {
			sub = *it.SubCategory
		}
		if err := o.Vectors.Upsert(ctx, []vectorstore.ItemEmbedding{
			{ItemID: it.ItemID, Embedding: vec, Main: main, Sub: sub},
		}); err != nil {
			errs++
			o.Log.Warn("vector upsert failed", "item_id", it.ItemID, "error", err)
			continue
		}
		done++
		o.Emitter.EmitProgress(ctx, taskID, "embedding_generation", i+1, total)
	}

	o.Emitter.EmitPhase(ctx, taskID, "embedding_generation", "completed", "embedding complete", done, total, errs)
	return nil
}
