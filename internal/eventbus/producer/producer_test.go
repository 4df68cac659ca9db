package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

// fakeBroker records published payloads and can be scripted to fail its
// first N publish attempts, to exercise the buffer/flush path.
type fakeBroker struct {
	mu           sync.Mutex
	failuresLeft int
	published    []string // channel:payload pairs, in publish order
}

func (f *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, channel+":"+string(payload))
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, channels []string) (<-chan ports.BrokerMessage, error) {
	ch := make(chan ports.BrokerMessage)
	close(ch)
	return ch, nil
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestProducer_EmitLog_PublishesAndIncrementsSeq(t *testing.T) {
	broker := &fakeBroker{}
	p := New(broker, DefaultConfig(), nil)
	ctx := context.Background()

	p.EmitLog(ctx, "task-1", "info", "starting", "orchestrator", "fetch_bookmarks", nil)
	p.EmitLog(ctx, "task-1", "ERROR", "boom", "orchestrator", "", map[string]any{"retry": 1})

	if broker.count() != 2 {
		t.Fatalf("expected 2 published events, got %d", broker.count())
	}

	var env envelope
	if err := json.Unmarshal([]byte(broker.published[1][len("logs:"):]), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data := env.Data.(map[string]any)
	if data["seq"].(float64) != 2 {
		t.Fatalf("expected seq 2 on the second log event, got %v", data["seq"])
	}
	if data["level"] != "ERROR" {
		t.Fatalf("expected level ERROR, got %v", data["level"])
	}
}

func TestProducer_EmitLog_NormalizesUnknownLevel(t *testing.T) {
	broker := &fakeBroker{}
	p := New(broker, DefaultConfig(), nil)
	p.EmitLog(context.Background(), "task-1", "bogus", "msg", "c", "", nil)

	var env envelope
	if err := json.Unmarshal([]byte(broker.published[0][len("logs:"):]), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data := env.Data.(map[string]any)
	if data["level"] != "INFO" {
		t.Fatalf("expected unknown level coerced to INFO, got %v", data["level"])
	}
}

func TestProducer_BufferedOnBrokerFailure(t *testing.T) {
	broker := &fakeBroker{failuresLeft: 1}
	p := New(broker, DefaultConfig(), nil)
	ctx := context.Background()

	p.EmitStatus(ctx, "task-1", true, "running", "fetch_bookmarks")
	if p.BufferedCount("status") != 1 {
		t.Fatalf("expected 1 buffered event after broker failure, got %d", p.BufferedCount("status"))
	}
	if broker.count() != 0 {
		t.Fatalf("expected no successful publishes yet, got %d", broker.count())
	}

	// Next emit flushes the buffered event first, then publishes itself.
	p.EmitStatus(ctx, "task-1", false, "idle", "")
	if p.BufferedCount("status") != 0 {
		t.Fatalf("expected buffer drained after broker recovered, got %d", p.BufferedCount("status"))
	}
	if broker.count() != 2 {
		t.Fatalf("expected both events eventually published, got %d", broker.count())
	}
}

func TestRingBuffer_EvictsOldestOnOverflow(t *testing.T) {
	rb := newRingBuffer(2)
	rb.push([]byte("a"))
	rb.push([]byte("b"))
	rb.push([]byte("c"))

	if rb.len() != 2 {
		t.Fatalf("expected capacity-bounded length 2, got %d", rb.len())
	}
	first, ok := rb.popFront()
	if !ok || string(first) != "b" {
		t.Fatalf("expected oldest entry 'a' evicted, front is %q", first)
	}
}

func TestProducer_EmitProgress_ComputesPercentage(t *testing.T) {
	broker := &fakeBroker{}
	p := New(broker, DefaultConfig(), nil)
	p.EmitProgress(context.Background(), "task-1", "content_processing", 3, 12)

	var env envelope
	if err := json.Unmarshal([]byte(broker.published[0][len("phase:"):]), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data := env.Data.(map[string]any)
	if data["percentage"].(float64) != 25 {
		t.Fatalf("expected 25%% progress, got %v", data["percentage"])
	}
}

func TestProducer_NilBroker_BuffersWithoutPanicking(t *testing.T) {
	p := New(nil, DefaultConfig(), nil)
	p.EmitLog(context.Background(), "task-1", "INFO", "msg", "c", "", nil)
	if p.BufferedCount("logs") != 1 {
		t.Fatalf("expected event buffered when broker is nil, got %d", p.BufferedCount("logs"))
	}
}

func TestProducer_SeqIsPerTask(t *testing.T) {
	broker := &fakeBroker{}
	p := New(broker, DefaultConfig(), nil)
	ctx := context.Background()
	p.EmitLog(ctx, "task-a", "INFO", "1", "c", "", nil)
	p.EmitLog(ctx, "task-b", "INFO", "1", "c", "", nil)
	p.EmitLog(ctx, "task-a", "INFO", "2", "c", "", nil)

	if p.seqs["task-a"] != 2 || p.seqs["task-b"] != 1 {
		t.Fatalf("expected independent per-task sequences, got %+v", p.seqs)
	}
}
