// Package ports defines the narrow capability interfaces the orchestrator
// calls out to: fetching, media storage, vision, LLM, rendering, publishing,
// the event broker, and archival object storage. Concrete adapters live in
// the sibling packages (llmport, visionport, mediastore, renderer,
// gitpublisher, natsbroker) or in test fakes; vectorstore and categorygraph
// are optional stores the orchestrator uses directly.
package ports

import "context"

// ExternalRef identifies one bookmark known to the source but not yet
// mirrored into the Item Store.
type ExternalRef struct {
	SourceItemID string
	Source       string
}

// FetchedItem is the raw material cp_cache needs to populate an Item.
type FetchedItem struct {
	ThreadSegments []FetchedSegment
	MediaURLs      []string
	RawPayload     []byte
}

// FetchedSegment is one post of a (possibly single-post) thread.
type FetchedSegment struct {
	Text         string
	MediaURLs    []string
	ExpandedURLs []string
}

// Fetcher pulls new bookmark references and their content from the source.
type Fetcher interface {
	ListNewItems(ctx context.Context) ([]ExternalRef, error)
	FetchItem(ctx context.Context, ref ExternalRef) (FetchedItem, error)
}

// MediaStore downloads remote media to a content-addressed local path,
// idempotently: downloading the same URL twice returns the same path.
type MediaStore interface {
	Download(ctx context.Context, url string) (localPath string, err error)
}

// Vision produces a textual description of an image for inclusion in the
// categorization prompt.
type Vision interface {
	DescribeImage(ctx context.Context, path string) (string, error)
}

// Categorization is the LLM port's structured categorize() response.
type Categorization struct {
	Main        string
	Sub         string
	Name        string
	Description string
}

// LLM drives categorization, cross-item synthesis, and embeddings.
type LLM interface {
	Categorize(ctx context.Context, fullText string, imageDescriptions []string) (Categorization, error)
	Synthesize(ctx context.Context, items []string) (markdown string, err error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RenderItem is the minimal view of an Item the renderer needs; kept separate
// from domain.Item so the renderer package has no domain import cycle back
// through the orchestrator.
type RenderItem struct {
	ItemID            string
	Title             string
	Description       string
	FullText          string
	Main              string
	Sub               string
	ImageDescriptions []string
	MediaPaths        []string
	SourceURL         string
}

// Renderer turns an item (or the whole item set) into a publishable document.
type Renderer interface {
	RenderItem(item RenderItem) (string, error)
	RenderIndex(items []RenderItem) (string, error)
}

// Publisher commits and pushes rendered artifacts to an external target. It
// must be idempotent: publishing the same paths twice is a no-op the second
// time.
type Publisher interface {
	Publish(ctx context.Context, paths []string) error
}

// Broker is the pub/sub + list transport between the event Producer and the
// Ingestor/Broadcaster.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels []string) (<-chan BrokerMessage, error)
}

// BrokerMessage is one inbound message off a subscribed channel.
type BrokerMessage struct {
	Channel string
	Payload []byte
}

// ObjectStore is the archival interface for backup/restore tooling. Only the
// interface shape is specified; no implementation ships (out of scope).
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}
