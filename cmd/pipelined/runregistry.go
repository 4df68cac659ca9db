package main

import (
	"context"
	"sync"
	"time"

	"github.com/nepenth/kb-pipeline/internal/orchestrator"
)

// runState tracks one orchestrator run for the /api/runs status and cancel
// endpoints (spec §6.3: "returns a task_id for correlation; a cancel signal
// may be sent by task_id").
type runState struct {
	TaskID    string                 `json:"task_id"`
	Status    string                 `json:"status"` // running | completed | error | cancelled
	Error     string                 `json:"error,omitempty"`
	Result    *orchestrator.RunResult `json:"result,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at,omitempty"`
}

// runRegistry is the in-memory table of active and recently finished runs.
// Like the event producer's ring buffers, this state is process memory only
// — durable per-item state already lives in the Item/Queue/Category stores,
// so losing the registry on restart loses only run bookkeeping, not data.
type runRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	states  map[string]*runState
}

func newRunRegistry() *runRegistry {
	return &runRegistry{
		cancels: make(map[string]context.CancelFunc),
		states:  make(map[string]*runState),
	}
}

// start registers a new run under taskID and returns a cancellable context
// derived from context.Background().
func (r *runRegistry) start(taskID string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[taskID] = cancel
	r.states[taskID] = &runState{TaskID: taskID, Status: "running", StartedAt: time.Now().UTC()}
	r.mu.Unlock()
	return runCtx, cancel
}

func (r *runRegistry) finish(taskID string, result orchestrator.RunResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[taskID]
	if !ok {
		st = &runState{TaskID: taskID}
		r.states[taskID] = st
	}
	st.Result = &result
	st.EndedAt = time.Now().UTC()
	switch {
	case st.Status == "cancelled":
		// already marked cancelled by cancel(); a context.Canceled error
		// surfacing from the in-flight Run call is expected, not a failure.
	case err != nil:
		st.Status = "error"
		st.Error = err.Error()
	default:
		st.Status = "completed"
	}
	delete(r.cancels, taskID)
}

func (r *runRegistry) get(taskID string) (*runState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[taskID]
	return st, ok
}

// cancel cancels a running task's context if it is still running. Returns
// false if no such running task exists.
func (r *runRegistry) cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[taskID]
	if !ok {
		return false
	}
	cancel()
	if st, ok := r.states[taskID]; ok {
		st.Status = "cancelled"
	}
	delete(r.cancels, taskID)
	return true
}
