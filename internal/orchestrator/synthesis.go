package orchestrator

import (
	"context"
	"fmt"

	"github.com/nepenth/kb-pipeline/internal/domain"
	"github.com/nepenth/kb-pipeline/internal/store"
)

// RunSynthesis groups completed items by category and asks the LLM port to
// produce a cross-item synthesis document once a category has accumulated at
// least Cfg.MinItemsForSynthesis entries (spec §4.1 synthesis_generation).
func (o *Orchestrator) RunSynthesis(ctx context.Context, taskID string) error {
	o.Emitter.EmitPhase(ctx, taskID, "synthesis_generation", "active", "grouping completed items", 0, 0, 0)

	complete := true
	items, err := o.Items.List(ctx, store.ItemFilter{ProcessingComplete: &complete})
	if err != nil {
		return fmt.Errorf("synthesis_generation: list items: %w", err)
	}

	byCategory := map[string][]*domain.Item{}
	for _, it := range items {
		if it.MainCategory == nil || it.SubCategory == nil {
			continue
		}
		key := *it.MainCategory + "/" + *it.SubCategory
		byCategory[key] = append(byCategory[key], it)
	}

	total := len(byCategory)
	done := 0
	for key, group := range byCategory {
		if len(group) < o.Cfg.MinItemsForSynthesis {
			continue
		}
		texts := make([]string, 0, len(group))
		for _, it := range group {
			texts = append(texts, it.KBTitle+"\n"+it.KBDescription)
		}
		ctx, cancel := context.WithTimeout(ctx, o.Cfg.LLMTimeout)
		err := o.guardModel(ctx, func(ctx context.Context) error {
			_, synthErr := o.LLM.Synthesize(ctx, texts)
			return synthErr
		})
		cancel()
		if err != nil {
			o.Log.Warn("synthesis failed for category", "category", key, "error", err)
			continue
		}
		done++
		o.Emitter.EmitProgress(ctx, taskID, "synthesis_generation", done, total)
	}

	o.Emitter.EmitPhase(ctx, taskID, "synthesis_generation", "completed", "synthesis complete", done, total, 0)
	return nil
}
