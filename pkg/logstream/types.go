// Package logstream provides real-time delivery of agent logs and task
// status over WebSocket, with PostgreSQL NOTIFY/LISTEN for cross-process
// distribution.
//
// Persistent events (agent logs, phase and task status) are written to the
// log_events table and broadcast via NOTIFY in one transaction; the row id
// becomes the sequence number clients use for reconnect catchup. Transient
// events (progress ticks) are NOTIFY-only and lost on disconnect.
package logstream

// Persistent event types (stored in log_events + NOTIFY).
const (
	EventTypeAgentLog    = "log.agent"
	EventTypePhaseStatus = "phase.status"
	EventTypeTaskStatus  = "task.status"
)

// Transient event types (NOTIFY only, no persistence).
const (
	EventTypeProgress = "task.progress"
)

// Log levels used in AgentLogPayload.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// GlobalTasksChannel carries task-level status events for the task list
// view.
const GlobalTasksChannel = "tasks"

// TaskChannel returns the channel name for one task's log stream.
// Format: "task:{task_id}"
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // e.g. "task:abc-123"
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}
