// Package gitpublisher provides the default ports.Publisher implementation:
// it commits and pushes the given paths with the git CLI via os/exec. No
// pack repository (direct or indirect) imports a Go git library, so this is
// the one capability port built on the standard library rather than a
// third-party client; os/exec driving the system git binary is the
// standard idiom for Go tools that shell out to git (goreleaser, gh, and
// most CI tooling follow the same pattern) in the absence of a pack-carried
// alternative.
package gitpublisher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

// Config controls the repository git commands run against.
type Config struct {
	RepoDir       string
	RemoteName    string // default "origin"
	Branch        string // default "main"
	CommitAuthor  string // default "kb-pipeline <kb-pipeline@localhost>"
	CommitMessage string // default "kb-pipeline: sync knowledge base"
	SkipPush      bool   // for tests/dev, commit locally without pushing
}

func (c Config) withDefaults() Config {
	if c.RemoteName == "" {
		c.RemoteName = "origin"
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.CommitAuthor == "" {
		c.CommitAuthor = "kb-pipeline <kb-pipeline@localhost>"
	}
	if c.CommitMessage == "" {
		c.CommitMessage = "kb-pipeline: sync knowledge base"
	}
	return c
}

// Publisher is the default git-backed ports.Publisher.
type Publisher struct {
	cfg Config
}

func New(cfg Config) *Publisher {
	return &Publisher{cfg: cfg.withDefaults()}
}

var _ ports.Publisher = (*Publisher)(nil)

// Publish stages paths, commits if there is anything staged, and pushes.
// Calling Publish again with no changes under paths is a no-op: "git
// diff --cached --name-only" reporting nothing staged skips both the commit
// and the push, satisfying the idempotency spec.md §6.1 requires of Publisher.
func (p *Publisher) Publish(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if err := p.run(ctx, addArgs...); err != nil {
		return fmt.Errorf("gitpublisher: add: %w", err)
	}

	dirty, err := p.hasStagedChanges(ctx)
	if err != nil {
		return fmt.Errorf("gitpublisher: status: %w", err)
	}
	if !dirty {
		return nil
	}

	if err := p.run(ctx, "-c", "user.name="+authorName(p.cfg.CommitAuthor),
		"-c", "user.email="+authorEmail(p.cfg.CommitAuthor),
		"commit", "-m", p.cfg.CommitMessage); err != nil {
		return fmt.Errorf("gitpublisher: commit: %w", err)
	}

	if p.cfg.SkipPush {
		return nil
	}
	if err := p.run(ctx, "push", p.cfg.RemoteName, p.cfg.Branch); err != nil {
		return fmt.Errorf("gitpublisher: push: %w", err)
	}
	return nil
}

func (p *Publisher) hasStagedChanges(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--name-only")
	cmd.Dir = p.cfg.RepoDir
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

func (p *Publisher) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.cfg.RepoDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func authorName(author string) string {
	if i := strings.Index(author, " <"); i != -1 {
		return author[:i]
	}
	return author
}

func authorEmail(author string) string {
	start := strings.Index(author, "<")
	end := strings.Index(author, ">")
	if start == -1 || end == -1 || end < start {
		return author
	}
	return author[start+1 : end]
}
