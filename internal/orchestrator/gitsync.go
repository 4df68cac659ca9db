package orchestrator

import (
	"context"
	"fmt"
)

// RunGitSync commits and pushes every path published during this run. The
// Publisher port owns the actual commit/push mechanics and idempotency;
// calling Publish again here with the knowledge-base root is a cheap no-op
// safety net for any path a sub-phase published without a matching sync call
// (spec §4.1 git_sync).
func (o *Orchestrator) RunGitSync(ctx context.Context, taskID string) error {
	o.Emitter.EmitPhase(ctx, taskID, "git_sync", "active", "syncing knowledge base", 0, 0, 0)

	ctx, cancel := context.WithTimeout(ctx, o.Cfg.PublisherTimeout)
	defer cancel()

	if err := o.Publisher.Publish(ctx, []string{o.Cfg.KnowledgeBaseDir}); err != nil {
		o.Emitter.EmitPhase(ctx, taskID, "git_sync", "failed", err.Error(), 0, 1, 1)
		return fmt.Errorf("git_sync: %w", err)
	}

	o.Emitter.EmitPhase(ctx, taskID, "git_sync", "completed", "sync complete", 1, 1, 0)
	return nil
}
