package broker

import (
	"fmt"
	"strconv"
	"strings"
)

var allowedLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

var allowedPhaseStatuses = map[string]bool{
	"pending": true, "active": true, "in_progress": true, "completed": true,
	"error": true, "skipped": true, "interrupted": true, "running": true,
	"idle": true, "starting": true, "finishing": true, "failed": true,
}

const maxLogMessageLen = 10000

// validate sanitizes a decoded event in place per spec §4.4.1, returning
// false only when the event is structurally unusable (not a key-value
// object). Field-level problems are coerced to safe defaults rather than
// rejecting the whole event, mirroring EventValidator.validate_event's
// "be flexible" stance: a log with a bad level still ships, just as INFO.
func validate(eventType string, data map[string]any) (bool, error) {
	if data == nil {
		return false, fmt.Errorf("event data must be a key-value structure")
	}
	switch eventType {
	case "log_message":
		validateLog(data)
	case "phase_update", "phase_start", "phase_complete", "phase_error":
		validatePhase(data)
	case "progress_update":
		validateProgress(data)
	case "status_update":
		validateStatus(data)
	}
	return true, nil
}

func validateLog(data map[string]any) {
	level := "INFO"
	if v, ok := data["level"].(string); ok {
		level = strings.ToUpper(v)
	}
	if !allowedLogLevels[level] {
		level = "INFO"
	}
	data["level"] = level

	msg, _ := data["message"].(string)
	if len(msg) > maxLogMessageLen {
		data["message"] = msg[:maxLogMessageLen-3] + "..."
		data["truncated"] = true
	}
}

func validatePhase(data map[string]any) {
	status := "in_progress"
	if v, ok := data["status"].(string); ok {
		status = strings.ToLower(v)
	}
	if !allowedPhaseStatuses[status] {
		status = "in_progress"
	}
	data["status"] = status

	processed, hasProcessed := asInt(data["processed_count"])
	total, hasTotal := asInt(data["total_count"])
	if !hasProcessed || !hasTotal {
		delete(data, "processed_count")
		delete(data, "total_count")
		return
	}
	if processed < 0 {
		processed = 0
	}
	if total < 0 {
		total = 0
	}
	if total > 0 && processed > total {
		processed = total
	}
	data["processed_count"] = processed
	data["total_count"] = total
}

func validateProgress(data map[string]any) {
	processed, hasProcessed := asInt(data["current"])
	total, hasTotal := asInt(data["total"])
	if !hasProcessed || !hasTotal {
		return
	}
	if processed < 0 {
		processed = 0
	}
	if total < 0 {
		total = 0
	}
	if total > 0 && processed > total {
		processed = total
	}
	data["current"] = processed
	data["total"] = total
}

func validateStatus(data map[string]any) {
	// Required fields are stringified if present; anything else passes through.
	if v, ok := data["current_phase_message"]; ok {
		data["current_phase_message"] = fmt.Sprintf("%v", v)
	}
}

// asInt coerces a decoded JSON number (float64) or string into an int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
