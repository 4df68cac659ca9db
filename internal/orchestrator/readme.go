package orchestrator

import (
	"context"
	"fmt"

	"github.com/nepenth/kb-pipeline/internal/ports"
	"github.com/nepenth/kb-pipeline/internal/store"
)

// RunReadmeGeneration renders the top-level index/README listing every
// completed item grouped by category, then publishes it alongside the item
// documents (spec §4.1 readme_generation).
func (o *Orchestrator) RunReadmeGeneration(ctx context.Context, taskID string) error {
	o.Emitter.EmitPhase(ctx, taskID, "readme_generation", "active", "rendering index", 0, 0, 0)

	complete := true
	items, err := o.Items.List(ctx, store.ItemFilter{ProcessingComplete: &complete})
	if err != nil {
		return fmt.Errorf("readme_generation: list items: %w", err)
	}

	renderItems := make([]ports.RenderItem, 0, len(items))
	for _, it := range items {
		main, sub := "", ""
		if it.MainCategory != nil {
			main = *it.MainCategory
		}
		if it.SubCategory != nil {
			sub = *it.SubCategory
		}
		renderItems = append(renderItems, ports.RenderItem{
			ItemID: it.ItemID, Title: it.KBTitle, Description: it.KBDescription,
			Main: main, Sub: sub, SourceURL: it.SourceURL,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, o.Cfg.RendererTimeout)
	defer cancel()
	content, err := o.Renderer.RenderIndex(renderItems)
	if err != nil {
		o.Emitter.EmitPhase(ctx, taskID, "readme_generation", "failed", err.Error(), 0, len(items), 1)
		return fmt.Errorf("readme_generation: render index: %w", err)
	}

	path := o.Cfg.KnowledgeBaseDir + "/README.md"
	if err := writeKBFile(path, content); err != nil {
		o.Emitter.EmitPhase(ctx, taskID, "readme_generation", "failed", err.Error(), 0, len(items), 1)
		return fmt.Errorf("readme_generation: %w", err)
	}
	if err := o.Publisher.Publish(ctx, []string{path}); err != nil {
		o.Emitter.EmitPhase(ctx, taskID, "readme_generation", "failed", err.Error(), 0, len(items), 1)
		return fmt.Errorf("readme_generation: publish: %w", err)
	}

	o.Emitter.EmitPhase(ctx, taskID, "readme_generation", "completed", "index published", len(items), len(items), 0)
	return nil
}
