// Package broker implements the Event Bus Ingestor/Broadcaster (spec §4.4,
// C7): it subscribes to the producer's logs/phase/status channels over
// internal/ports.Broker, validates and rate-limits each event, routes it to
// one or more outbound topics, batches same-topic events within a short
// window, and fans the result out to websocket-connected operator UIs.
//
// Grounded on original_source/.../enhanced_realtime_manager.py's
// EnhancedRealtimeManager, whose EventValidator/RateLimiter/EventRouter/
// EventBatch/ConnectionHealthMonitor classes this package's validate.go/
// ratelimit.go/router.go/batch.go/health.go translate one-for-one; Redis
// pub/sub + Flask-SocketIO is replaced with internal/ports.Broker (backed by
// pkg/natsutil/NATS in production) in and gorilla/websocket fan-out out.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

var subscribedChannels = []string{"logs", "phase", "status"}

// Config bundles the sub-component configs the broker wires together.
type Config struct {
	RateLimit      RateLimitConfig
	Batch          BatchConfig
	Health         HealthConfig
	BufferCapacity int // event buffer while unhealthy (spec: 1000 entries)
}

func DefaultConfig() Config {
	return Config{
		RateLimit:      DefaultRateLimitConfig(),
		Batch:          DefaultBatchConfig(),
		Health:         DefaultHealthConfig(),
		BufferCapacity: 1000,
	}
}

// Broker is the Ingestor/Broadcaster: it owns the subscription to the wire
// transport, the validate/rate-limit/route/batch pipeline, and the
// websocket Hub events are ultimately delivered to.
type Broker struct {
	Transport ports.Broker
	Hub       *Hub
	Cfg       Config
	Log       *slog.Logger

	limiter *rateLimiter
	batcher *batcher
	health  *healthMonitor

	mu            sync.Mutex
	bufferEnabled bool
	eventBuffer   [][]byte
}

func New(transport ports.Broker, hub *Hub, cfg Config, log *slog.Logger) *Broker {
	return &Broker{
		Transport: transport,
		Hub:       hub,
		Cfg:       cfg,
		Log:       log,
		limiter:   newRateLimiter(cfg.RateLimit),
		batcher:   newBatcher(cfg.Batch),
		health:    newHealthMonitor(cfg.Health, log),
	}
}

// wireEnvelope mirrors producer.envelope; decoded independently here so the
// two packages have no compile-time coupling (the wire format, spec §6.2, is
// the only contract between them).
type wireEnvelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	Channel   string         `json:"channel"`
}

// Run subscribes to the producer's channels and processes messages until ctx
// is cancelled, reconnecting with exponential backoff whenever the
// subscription ends early (spec §4.4 item 5). A ticker drains aged batches
// on its own cadence so a topic with low traffic still flushes within
// Cfg.Batch.MaxAge even with no new events arriving.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.Cfg.Batch.MaxAge)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messages, err := b.Transport.Subscribe(ctx, subscribedChannels)
		if err != nil {
			if !b.handleDisconnect(ctx, err) {
				return err
			}
			continue
		}
		b.health.recordSuccess()
		b.setBuffering(false)
		b.replayBuffer()

	readLoop:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				b.flushAgedBatches()
			case msg, ok := <-messages:
				if !ok {
					break readLoop
				}
				b.handleMessage(msg)
			}
		}

		if !b.handleDisconnect(ctx, nil) {
			return nil
		}
	}
}

// handleDisconnect records a subscription failure and sleeps for the
// monitor's backoff window before the caller retries, entering buffered mode
// once the monitor has seen MaxConsecutiveFailures in a row. It returns false
// once max reconnect attempts are exhausted.
func (b *Broker) handleDisconnect(ctx context.Context, cause error) bool {
	shouldRetry := b.health.recordFailure()
	buffering := !b.health.isHealthy()
	if buffering {
		b.setBuffering(true)
	}
	if b.Log != nil {
		b.Log.Warn("broker: subscription interrupted", "error", cause, "buffering", buffering, "will_retry", shouldRetry)
	}
	if !shouldRetry && b.health.attempts() >= b.Cfg.Health.MaxReconnectAttempts {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.health.backoffFor(b.health.attempts())):
	}
	return true
}

func (b *Broker) setBuffering(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufferEnabled = enabled
}

// replayBuffer drains events accumulated while unhealthy back through route,
// matching _process_buffered_events's "restore then replay" ordering.
func (b *Broker) replayBuffer() {
	b.mu.Lock()
	buffered := b.eventBuffer
	b.eventBuffer = nil
	b.mu.Unlock()

	if len(buffered) > 0 && b.Log != nil {
		b.Log.Info("broker: replaying buffered events", "count", len(buffered))
	}
	for _, payload := range buffered {
		var env wireEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		b.route(env)
	}
}

func (b *Broker) handleMessage(msg ports.BrokerMessage) {
	var env wireEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		b.health.incRejected()
		if b.Log != nil {
			b.Log.Error("broker: malformed event payload", "channel", msg.Channel, "error", err)
		}
		return
	}

	b.health.incProcessed()

	if ok, err := validate(env.Type, env.Data); !ok {
		b.health.incRejected()
		if b.Log != nil {
			b.Log.Warn("broker: event failed validation", "type", env.Type, "error", err)
		}
		return
	}

	if !b.limiter.allow() {
		b.health.incRateLimited()
		return
	}

	if b.isBuffering() {
		b.bufferEvent(msg.Payload)
		return
	}

	b.route(env)
}

// route adds a validated event to the pending batch of each of its topics
// (spec §4.4 item 4). A batch is emitted here once it reaches MaxSize, or by
// flushAgedBatches once it is older than MaxAge; emitBatch sends a batch of
// one in scalar form.
func (b *Broker) route(env wireEnvelope) {
	for _, topic := range topicsFor(env.Channel, env.Type) {
		if batch := b.batcher.add(topic, env.Data); batch != nil {
			b.emitBatch(topic, batch)
		}
	}
}

func (b *Broker) flushAgedBatches() {
	for topic, events := range b.batcher.flushAged() {
		b.emitBatch(topic, events)
	}
}

func (b *Broker) emitBatch(topic string, events []any) {
	if len(events) == 1 {
		b.Hub.Broadcast(topic, events[0])
		return
	}
	b.Hub.Broadcast(topic, map[string]any{
		"events":    events,
		"count":     len(events),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (b *Broker) isBuffering() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferEnabled
}

func (b *Broker) bufferEvent(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.eventBuffer) >= b.Cfg.BufferCapacity {
		b.eventBuffer = b.eventBuffer[1:]
	}
	b.eventBuffer = append(b.eventBuffer, payload)
	b.health.incBuffered()
}

// Stats returns a connection-health snapshot for metrics (SPEC_FULL §C.2).
func (b *Broker) Stats() HealthStats {
	return b.health.snapshot()
}
