// Package fakes provides in-memory capability port implementations for tests
// of the orchestrator and validator, standing in for the fetcher, media
// store, vision, LLM, renderer, and publisher ports (spec §6.1) without
// reaching any real external system.
package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

// Fetcher is an in-memory ports.Fetcher backed by a fixed set of refs and
// their fetched content.
type Fetcher struct {
	mu    sync.Mutex
	Refs  []ports.ExternalRef
	Items map[string]ports.FetchedItem // keyed by SourceItemID
}

func NewFetcher() *Fetcher {
	return &Fetcher{Items: make(map[string]ports.FetchedItem)}
}

func (f *Fetcher) AddItem(ref ports.ExternalRef, item ports.FetchedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refs = append(f.Refs, ref)
	f.Items[ref.SourceItemID] = item
}

func (f *Fetcher) ListNewItems(ctx context.Context) ([]ports.ExternalRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.ExternalRef, len(f.Refs))
	copy(out, f.Refs)
	return out, nil
}

func (f *Fetcher) FetchItem(ctx context.Context, ref ports.ExternalRef) (ports.FetchedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.Items[ref.SourceItemID]
	if !ok {
		return ports.FetchedItem{}, fmt.Errorf("fakes: no fetched item for %s", ref.SourceItemID)
	}
	return item, nil
}

var _ ports.Fetcher = (*Fetcher)(nil)

// MediaStore maps each URL to a stable local path, media/<n>, numbered in
// the order URLs are first seen.
type MediaStore struct {
	mu    sync.Mutex
	paths map[string]string
}

func NewMediaStore() *MediaStore { return &MediaStore{paths: make(map[string]string)} }

func (m *MediaStore) Download(ctx context.Context, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.paths[url]; ok {
		return p, nil
	}
	p := fmt.Sprintf("media/%d", len(m.paths))
	m.paths[url] = p
	return p, nil
}

var _ ports.MediaStore = (*MediaStore)(nil)

// Vision always returns a fixed description, or a per-path override.
type Vision struct {
	Default     string
	ByPath      map[string]string
	ErrForPaths map[string]error
}

func NewVision(def string) *Vision {
	return &Vision{Default: def, ByPath: make(map[string]string), ErrForPaths: make(map[string]error)}
}

func (v *Vision) DescribeImage(ctx context.Context, path string) (string, error) {
	if err, ok := v.ErrForPaths[path]; ok {
		return "", err
	}
	if d, ok := v.ByPath[path]; ok {
		return d, nil
	}
	return v.Default, nil
}

var _ ports.Vision = (*Vision)(nil)

// LLM returns a scripted categorization, optionally failing the first N calls
// to exercise transient-retry paths (spec scenario S2).
type LLM struct {
	mu            sync.Mutex
	Result        ports.Categorization
	FailuresBeforeSuccess int
	calls         int
	SynthesisText string
	EmbedDims     int
}

func NewLLM(result ports.Categorization) *LLM {
	return &LLM{Result: result, EmbedDims: 8}
}

func (l *LLM) Categorize(ctx context.Context, fullText string, imageDescriptions []string) (ports.Categorization, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.FailuresBeforeSuccess {
		return ports.Categorization{}, fmt.Errorf("fakes: transient llm failure (%d/%d)", l.calls, l.FailuresBeforeSuccess)
	}
	return l.Result, nil
}

func (l *LLM) Synthesize(ctx context.Context, items []string) (string, error) {
	return l.SynthesisText, nil
}

func (l *LLM) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, l.EmbedDims)
	for i := range v {
		v[i] = float32(len(text)%7) / float32(i+1)
	}
	return v, nil
}

var _ ports.LLM = (*LLM)(nil)

// Renderer writes deterministic markdown containing the item id, satisfying
// Invariant I4's "file contains a reference to item_id" requirement.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

func (r *Renderer) RenderItem(item ports.RenderItem) (string, error) {
	return fmt.Sprintf("# %s\n\nitem_id: %s\n\n%s\n", item.Title, item.ItemID, item.Description), nil
}

func (r *Renderer) RenderIndex(items []ports.RenderItem) (string, error) {
	out := "# Knowledge Base Index\n\n"
	for _, it := range items {
		out += fmt.Sprintf("- [%s](%s/%s/%s)\n", it.Title, it.Main, it.Sub, it.ItemID)
	}
	return out, nil
}

var _ ports.Renderer = (*Renderer)(nil)

// Publisher records every publish call; Publish is idempotent by path.
type Publisher struct {
	mu        sync.Mutex
	Published map[string]bool
}

func NewPublisher() *Publisher { return &Publisher{Published: make(map[string]bool)} }

func (p *Publisher) Publish(ctx context.Context, paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, path := range paths {
		p.Published[path] = true
	}
	return nil
}

var _ ports.Publisher = (*Publisher)(nil)
