package broker

// routingTable maps (broker channel, event type) to the outbound topics the
// broadcaster fans a validated event out to (spec §4.4 item 3).
var routingTable = map[string]map[string][]string{
	"logs": {
		"log_message": {"log", "live_log"},
	},
	"phase": {
		"phase_update":    {"phase_update", "phase_status_update", "task_progress"},
		"phase_start":     {"phase_update", "phase_status_update", "task_progress"},
		"phase_complete":  {"phase_update", "phase_status_update", "task_progress", "phase_complete"},
		"phase_error":     {"phase_update", "phase_status_update", "task_progress", "phase_error"},
		"progress_update": {"progress_update", "task_progress"},
	},
	"status": {
		"status_update": {"agent_status_update", "status_update"},
	},
}

var fallbackTopics = map[string][]string{
	"logs":   {"log", "live_log"},
	"phase":  {"phase_update"},
	"status": {"agent_status_update", "status_update"},
}

// topicsFor returns the outbound topics a (channel, event type) pair routes
// to, falling back to a channel-level default so an unknown event kind still
// reaches subscribers instead of being silently dropped.
func topicsFor(channel, eventType string) []string {
	if byType, ok := routingTable[channel]; ok {
		if topics, ok := byType[eventType]; ok {
			return topics
		}
	}
	if topics, ok := fallbackTopics[channel]; ok {
		return topics
	}
	return []string{"generic_update"}
}
