// Package producer implements the unified event emitter (spec §4.3, C6):
// emit_log/emit_phase/emit_progress/emit_status, each published through an
// internal/ports.Broker with a bounded publish attempt, falling back to a
// per-channel ring buffer when the broker is unavailable.
//
// Grounded on the original unified_logging.UnifiedLogger and
// task_progress.TaskProgressManager, which together own this same
// four-operation surface (log/phase/progress/status) plus best-effort
// buffering when their Redis connection is down. Here the buffer is process
// memory rather than Redis, since durable state already lives in the Item
// and Queue stores (spec §4.3: "on process death, buffered events are lost;
// durable state lives only in C1/C2/C3").
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

const (
	channelLogs   = "logs"
	channelPhase  = "phase"
	channelStatus = "status"
)

var allowedLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// Config tunes the producer's publish timeout and per-channel buffer size.
type Config struct {
	PublishTimeout time.Duration // bounded publish attempt before buffering
	BufferSize     int           // ring buffer entries per channel (spec: 1000)
	MaxFlushBatch  int           // max buffered entries replayed per publish call
}

// DefaultConfig matches spec §4.3.
func DefaultConfig() Config {
	return Config{PublishTimeout: 2 * time.Second, BufferSize: 1000, MaxFlushBatch: 50}
}

// Producer is the C6 unified emitter. Its four Emit* methods satisfy
// orchestrator.Emitter structurally.
type Producer struct {
	Broker ports.Broker
	Cfg    Config
	Log    *slog.Logger

	clock func() time.Time

	seqMu sync.Mutex
	seqs  map[string]uint64

	buffers map[string]*ringBuffer
}

func New(broker ports.Broker, cfg Config, log *slog.Logger) *Producer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.MaxFlushBatch <= 0 {
		cfg.MaxFlushBatch = 50
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &Producer{
		Broker: broker,
		Cfg:    cfg,
		Log:    log,
		clock:  time.Now,
		seqs:   make(map[string]uint64),
		buffers: map[string]*ringBuffer{
			channelLogs:   newRingBuffer(cfg.BufferSize),
			channelPhase:  newRingBuffer(cfg.BufferSize),
			channelStatus: newRingBuffer(cfg.BufferSize),
		},
	}
}

func (p *Producer) now() time.Time {
	if p.clock != nil {
		return p.clock()
	}
	return time.Now().UTC()
}

// nextSeq assigns a monotonically increasing sequence number per task_id,
// used to order log events regardless of wall-clock skew (spec §4.3, §5).
func (p *Producer) nextSeq(taskID string) uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seqs[taskID]++
	return p.seqs[taskID]
}

// envelope is the wire format every event is published with (spec §6.2).
type envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
	Channel   string `json:"channel"`
}

// publish attempts a single bounded publish through the broker; on failure
// or timeout the event is pushed onto the channel's ring buffer instead. A
// successful publish first drains any previously buffered events for that
// channel, mirroring the original's "flush buffer before sending" ordering.
func (p *Producer) publish(ctx context.Context, channel, eventType string, data any) {
	env := envelope{Type: eventType, Data: data, Timestamp: p.now().UTC().Format(time.RFC3339Nano), Channel: channel}
	payload, err := json.Marshal(env)
	if err != nil {
		if p.Log != nil {
			p.Log.Error("producer: failed to marshal event", "channel", channel, "type", eventType, "error", err)
		}
		return
	}

	if p.Broker == nil {
		p.buffers[channel].push(payload)
		return
	}

	p.flush(ctx, channel)

	pctx, cancel := context.WithTimeout(ctx, p.Cfg.PublishTimeout)
	defer cancel()
	if err := p.Broker.Publish(pctx, channel, payload); err != nil {
		if p.Log != nil {
			p.Log.Warn("producer: broker publish failed, buffering", "channel", channel, "type", eventType, "error", err)
		}
		p.buffers[channel].push(payload)
	}
}

// flush replays up to MaxFlushBatch buffered events for channel, stopping at
// the first failure and putting it back so ordering is preserved. It is
// itself a bounded operation: it never blocks beyond MaxFlushBatch publish
// attempts, matching the "bounded publish attempt" guarantee.
func (p *Producer) flush(ctx context.Context, channel string) {
	buf := p.buffers[channel]
	if buf.len() == 0 || p.Broker == nil {
		return
	}
	for i := 0; i < p.Cfg.MaxFlushBatch; i++ {
		b, ok := buf.popFront()
		if !ok {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, p.Cfg.PublishTimeout)
		err := p.Broker.Publish(pctx, channel, b)
		cancel()
		if err != nil {
			buf.pushFront(b)
			return
		}
	}
}

// BufferedCount returns how many events are currently queued for a channel,
// for health/metrics reporting.
func (p *Producer) BufferedCount(channel string) int {
	buf, ok := p.buffers[channel]
	if !ok {
		return 0
	}
	return buf.len()
}

func normalizeLevel(level string) string {
	upper := strings.ToUpper(strings.TrimSpace(level))
	if allowedLevels[upper] {
		return upper
	}
	return "INFO"
}

// EmitLog publishes a structured log line on the logs channel (spec §4.3).
func (p *Producer) EmitLog(ctx context.Context, taskID string, level, message, component, phase string, structured map[string]any) {
	seq := p.nextSeq(taskID)
	data := map[string]any{
		"task_id":   taskID,
		"seq":       seq,
		"level":     normalizeLevel(level),
		"message":   message,
		"component": component,
		"timestamp": p.now().UTC().Format(time.RFC3339Nano),
	}
	if phase != "" {
		data["phase"] = phase
	}
	if len(structured) > 0 {
		data["structured_data"] = structured
	}
	p.publish(ctx, channelLogs, "log_message", data)
}

// EmitPhase publishes a phase lifecycle event (start/progress/complete/error)
// on the phase channel (spec §4.3).
func (p *Producer) EmitPhase(ctx context.Context, taskID, phaseID, kind, message string, processed, total, errorCount int) {
	data := map[string]any{
		"task_id":   taskID,
		"phase_id":  phaseID,
		"kind":      kind,
		"message":   message,
		"timestamp": p.now().UTC().Format(time.RFC3339Nano),
	}
	if total > 0 {
		data["processed_count"] = processed
		data["total_count"] = total
	}
	if errorCount > 0 {
		data["error_count"] = errorCount
	}
	p.publish(ctx, channelPhase, fmt.Sprintf("phase_%s", kind), data)
}

// EmitProgress publishes a fine-grained operation progress tick on the phase
// channel (spec §4.3).
func (p *Producer) EmitProgress(ctx context.Context, taskID, operation string, current, total int) {
	var percentage float64
	if total > 0 {
		percentage = float64(current) / float64(total) * 100
	}
	data := map[string]any{
		"task_id":    taskID,
		"operation":  operation,
		"current":    current,
		"total":      total,
		"percentage": percentage,
		"timestamp":  p.now().UTC().Format(time.RFC3339Nano),
	}
	p.publish(ctx, channelPhase, "progress_update", data)
}

// EmitStatus publishes the task's overall running/idle status (spec §4.3).
func (p *Producer) EmitStatus(ctx context.Context, taskID string, isRunning bool, currentPhaseMessage, currentPhase string) {
	data := map[string]any{
		"task_id":               taskID,
		"is_running":            isRunning,
		"current_phase_message": currentPhaseMessage,
		"timestamp":             p.now().UTC().Format(time.RFC3339Nano),
	}
	if currentPhase != "" {
		data["current_phase"] = currentPhase
	}
	p.publish(ctx, channelStatus, "status_update", data)
}
