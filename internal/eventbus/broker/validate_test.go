package broker

import "testing"

func TestValidateLog_CoercesUnknownLevel(t *testing.T) {
	data := map[string]any{"level": "weird", "message": "hi"}
	ok, err := validate("log_message", data)
	if !ok || err != nil {
		t.Fatalf("expected valid, got ok=%v err=%v", ok, err)
	}
	if data["level"] != "INFO" {
		t.Fatalf("expected unknown level coerced to INFO, got %v", data["level"])
	}
}

func TestValidateLog_TruncatesLongMessage(t *testing.T) {
	long := make([]byte, 10050)
	for i := range long {
		long[i] = 'x'
	}
	data := map[string]any{"level": "INFO", "message": string(long)}
	validate("log_message", data)

	msg := data["message"].(string)
	if len(msg) != maxLogMessageLen {
		t.Fatalf("expected truncated message of length %d, got %d", maxLogMessageLen, len(msg))
	}
	if data["truncated"] != true {
		t.Fatalf("expected truncated=true")
	}
}

func TestValidatePhase_ClampsProcessedToTotal(t *testing.T) {
	data := map[string]any{"status": "running", "processed_count": float64(20), "total_count": float64(10)}
	validate("phase_update", data)
	if data["processed_count"] != 10 {
		t.Fatalf("expected processed_count clamped to total, got %v", data["processed_count"])
	}
}

func TestValidatePhase_UnknownStatusFallsBackToInProgress(t *testing.T) {
	data := map[string]any{"status": "bogus"}
	validate("phase_update", data)
	if data["status"] != "in_progress" {
		t.Fatalf("expected fallback status in_progress, got %v", data["status"])
	}
}

func TestValidate_RejectsNilData(t *testing.T) {
	ok, err := validate("log_message", nil)
	if ok || err == nil {
		t.Fatalf("expected nil data to be rejected")
	}
}

func TestRouter_FallsBackWhenEventTypeUnknown(t *testing.T) {
	topics := topicsFor("logs", "something_new")
	if len(topics) == 0 {
		t.Fatalf("expected a fallback topic list, got none")
	}
}

func TestRouter_PhaseUpdateFansOutToThreeTopics(t *testing.T) {
	topics := topicsFor("phase", "phase_update")
	want := map[string]bool{"phase_update": true, "phase_status_update": true, "task_progress": true}
	if len(topics) != len(want) {
		t.Fatalf("expected %d topics, got %v", len(want), topics)
	}
	for _, topic := range topics {
		if !want[topic] {
			t.Fatalf("unexpected topic %q", topic)
		}
	}
}
