package broker

import (
	"sync"
	"time"
)

// BatchConfig tunes when a pending batch is considered ready to send
// (spec §4.4 item 4: "events of the same outbound name within 1 second or
// 10 entries are delivered as one array payload").
type BatchConfig struct {
	MaxSize int
	MaxAge  time.Duration
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxSize: 10, MaxAge: time.Second}
}

type pendingBatch struct {
	events    []any
	createdAt time.Time
}

// batcher accumulates events per outbound topic (rather than per Redis event
// type as the original does; the original's final emit step regroups by
// socketio event name anyway, so batching directly on the outbound topic
// collapses that extra indirection without changing the observable
// batching behaviour).
type batcher struct {
	mu      sync.Mutex
	cfg     BatchConfig
	pending map[string]*pendingBatch
	clock   func() time.Time
}

func newBatcher(cfg BatchConfig) *batcher {
	return &batcher{cfg: cfg, pending: make(map[string]*pendingBatch), clock: time.Now}
}

// add appends data to topic's pending batch, flushing and returning it if
// the batch has now reached its size limit.
func (b *batcher) add(topic string, data any) []any {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb, ok := b.pending[topic]
	if !ok {
		pb = &pendingBatch{createdAt: b.clock()}
		b.pending[topic] = pb
	}
	pb.events = append(pb.events, data)

	if len(pb.events) >= b.cfg.MaxSize {
		events := pb.events
		delete(b.pending, topic)
		return events
	}
	return nil
}

// flushAged returns and clears every pending batch older than MaxAge,
// keyed by topic, for a caller to emit on a periodic tick (spec §4.4 item 4
// and the original's _check_aged_batches loop).
func (b *batcher) flushAged() map[string][]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	out := make(map[string][]any)
	for topic, pb := range b.pending {
		if len(pb.events) == 0 {
			continue
		}
		if now.Sub(pb.createdAt) >= b.cfg.MaxAge {
			out[topic] = pb.events
			delete(b.pending, topic)
		}
	}
	return out
}
