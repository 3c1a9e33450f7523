package logstream

import "time"

// AgentLogPayload is one log line emitted by an agent while it works a
// task. Wire names are the short forms clients render directly.
type AgentLogPayload struct {
	Type      string         `json:"type"` // EventTypeAgentLog
	TaskID    string         `json:"task_id"`
	Agent     string         `json:"agent"`
	Phase     string         `json:"phase"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// PhaseStatusPayload announces a task moving between pipeline phases.
type PhaseStatusPayload struct {
	Type      string    `json:"type"` // EventTypePhaseStatus
	TaskID    string    `json:"task_id"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"ts"`
}

// TaskStatusPayload announces a task reaching a lifecycle status. Sent on
// the task channel and mirrored transiently to the global tasks channel.
type TaskStatusPayload struct {
	Type      string    `json:"type"` // EventTypeTaskStatus
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// ProgressPayload is a transient progress tick (not persisted, lost on
// disconnect).
type ProgressPayload struct {
	Type    string `json:"type"` // EventTypeProgress
	TaskID  string `json:"task_id"`
	Agent   string `json:"agent"`
	Message string `json:"msg"`
}
