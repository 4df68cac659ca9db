package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

// fakeTransport feeds a scripted sequence of messages to whatever Subscribe
// caller is listening, then blocks until ctx is cancelled.
type fakeTransport struct {
	messages []ports.BrokerMessage
}

func (f *fakeTransport) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (f *fakeTransport) Subscribe(ctx context.Context, channels []string) (<-chan ports.BrokerMessage, error) {
	ch := make(chan ports.BrokerMessage, len(f.messages))
	for _, m := range f.messages {
		ch <- m
	}
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

func envelopeBytes(t *testing.T, eventType, channel string, data map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(wireEnvelope{Type: eventType, Data: data, Channel: channel, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestBroker_ProcessesValidEventsAndTracksStats(t *testing.T) {
	transport := &fakeTransport{
		messages: []ports.BrokerMessage{
			{Channel: "logs", Payload: envelopeBytes(t, "log_message", "logs", map[string]any{"message": "hello", "level": "INFO"})},
			{Channel: "status", Payload: envelopeBytes(t, "status_update", "status", map[string]any{"current_phase_message": "running"})},
		},
	}
	b := New(transport, NewHub(nil), DefaultConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = b.Run(ctx)

	stats := b.Stats()
	if stats.EventsProcessed != 2 {
		t.Fatalf("expected 2 events processed, got %d", stats.EventsProcessed)
	}
	if stats.EventsRejected != 0 {
		t.Fatalf("expected 0 rejected, got %d", stats.EventsRejected)
	}
}

func TestBroker_RejectsMalformedPayload(t *testing.T) {
	transport := &fakeTransport{
		messages: []ports.BrokerMessage{
			{Channel: "logs", Payload: []byte("not json")},
		},
	}
	b := New(transport, NewHub(nil), DefaultConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = b.Run(ctx)

	if b.Stats().EventsRejected != 1 {
		t.Fatalf("expected 1 rejected malformed event, got %d", b.Stats().EventsRejected)
	}
}

func TestBroker_RateLimitsExcessEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{MaxPerSecond: 0, MaxPerMinute: 1000, Burst: 1}
	var msgs []ports.BrokerMessage
	for i := 0; i < 3; i++ {
		msgs = append(msgs, ports.BrokerMessage{Channel: "logs", Payload: envelopeBytes(t, "log_message", "logs", map[string]any{"message": "x"})})
	}
	transport := &fakeTransport{messages: msgs}
	b := New(transport, NewHub(nil), cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = b.Run(ctx)

	stats := b.Stats()
	if stats.EventsRateLimited == 0 {
		t.Fatalf("expected some events to be rate limited, got stats %+v", stats)
	}
}

func TestHub_ServeWSNotRequiredForBroadcastWithNoSubscribers(t *testing.T) {
	hub := NewHub(nil)
	// Broadcasting with zero subscribers must not panic or block.
	hub.Broadcast("phase_update", map[string]any{"ok": true})
}
