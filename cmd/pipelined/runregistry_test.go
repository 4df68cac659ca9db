package main

import (
	"errors"
	"testing"

	"github.com/nepenth/kb-pipeline/internal/orchestrator"
)

func TestRunRegistry_StartThenFinish_Success(t *testing.T) {
	r := newRunRegistry()
	ctx, _ := r.start("task-1")
	if ctx.Err() != nil {
		t.Fatalf("fresh run context should not be cancelled")
	}

	st, ok := r.get("task-1")
	if !ok {
		t.Fatalf("expected task-1 to be registered")
	}
	if st.Status != "running" {
		t.Fatalf("expected status running, got %s", st.Status)
	}

	r.finish("task-1", orchestrator.RunResult{RunID: "run-1", Processed: 3}, nil)

	st, ok = r.get("task-1")
	if !ok {
		t.Fatalf("expected task-1 to still be present after finish")
	}
	if st.Status != "completed" {
		t.Fatalf("expected status completed, got %s", st.Status)
	}
	if st.Result == nil || st.Result.Processed != 3 {
		t.Fatalf("expected result to be recorded, got %+v", st.Result)
	}
}

func TestRunRegistry_Finish_Error(t *testing.T) {
	r := newRunRegistry()
	r.start("task-2")

	r.finish("task-2", orchestrator.RunResult{}, errors.New("boom"))

	st, ok := r.get("task-2")
	if !ok {
		t.Fatalf("expected task-2 to be present")
	}
	if st.Status != "error" {
		t.Fatalf("expected status error, got %s", st.Status)
	}
	if st.Error != "boom" {
		t.Fatalf("expected error message boom, got %s", st.Error)
	}
}

// A cancelled run's context.Canceled error must not overwrite the
// "cancelled" status with "error" once finish observes it.
func TestRunRegistry_Cancel_PrecedesFinishError(t *testing.T) {
	r := newRunRegistry()
	ctx, _ := r.start("task-3")

	if !r.cancel("task-3") {
		t.Fatalf("expected cancel to succeed on a running task")
	}
	if ctx.Err() == nil {
		t.Fatalf("expected run context to be cancelled")
	}

	r.finish("task-3", orchestrator.RunResult{}, ctx.Err())

	st, ok := r.get("task-3")
	if !ok {
		t.Fatalf("expected task-3 to be present")
	}
	if st.Status != "cancelled" {
		t.Fatalf("expected status to remain cancelled, got %s", st.Status)
	}
}

func TestRunRegistry_Cancel_UnknownTask(t *testing.T) {
	r := newRunRegistry()
	if r.cancel("does-not-exist") {
		t.Fatalf("expected cancel of unknown task to fail")
	}
}

func TestRunRegistry_Cancel_AlreadyFinished(t *testing.T) {
	r := newRunRegistry()
	r.start("task-4")
	r.finish("task-4", orchestrator.RunResult{}, nil)

	if r.cancel("task-4") {
		t.Fatalf("expected cancel of an already-finished task to fail")
	}
}

func TestRunRegistry_Get_Unknown(t *testing.T) {
	r := newRunRegistry()
	if _, ok := r.get("missing"); ok {
		t.Fatalf("expected missing task to be absent")
	}
}
