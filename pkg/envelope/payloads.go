package envelope

// Typed payload schemas, one per event type. The envelope carries payloads as
// plain maps; the consumer that owns an event type decodes on demand with
// DecodePayload.

// TaskInitiatedPayload seeds the pipeline.
type TaskInitiatedPayload struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}

// PlanPayload is produced by the planner.
type PlanPayload struct {
	Features           []string `json:"features"`
	Tasks              []string `json:"tasks"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	ProjectID          string   `json:"project_id"`
	Prompt             string   `json:"prompt"`
}

// TechStack names the frameworks the architect selected.
type TechStack struct {
	Language string `json:"language"`
	Frontend string `json:"frontend,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Database string `json:"database,omitempty"`
}

// ArchitecturePayload is produced by the architect.
type ArchitecturePayload struct {
	Stack      TechStack `json:"stack"`
	DataModels []string  `json:"data_models"`
	ProjectID  string    `json:"project_id"`
	Plan       *PlanPayload `json:"plan,omitempty"`
}

// CodePayload is produced by the coder. Files map path to contents.
type CodePayload struct {
	Files          map[string]string `json:"files"`
	ProjectID      string            `json:"project_id"`
	PRURL          string            `json:"pr_url,omitempty"`
	Remote         string            `json:"remote,omitempty"` // "pushed" or "skipped"
	RemoteReason   string            `json:"remote_reason,omitempty"`
	ReworkAttempt  int               `json:"rework_attempt,omitempty"`
	Language       string            `json:"language,omitempty"`
}

// TestResultsPayload is produced by the tester. OK is the pass/fail
// discriminator consumers route on.
type TestResultsPayload struct {
	OK       bool    `json:"ok"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Coverage float64 `json:"coverage,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Findings string  `json:"findings,omitempty"`

	ProjectID string            `json:"project_id"`
	Files     map[string]string `json:"files,omitempty"`
	Language  string            `json:"language,omitempty"`
}

// ReviewDecisionPayload is produced by the reviewer.
type ReviewDecisionPayload struct {
	Approved  bool   `json:"approved"`
	Score     int    `json:"score"` // 0..100
	Rationale string `json:"rationale,omitempty"`

	ProjectID string            `json:"project_id"`
	Files     map[string]string `json:"files,omitempty"`
}

// DeployStatusPayload is produced by the deployer.
type DeployStatusPayload struct {
	OK          bool   `json:"ok"`
	PreviewURL  string `json:"preview_url,omitempty"`
	BackendURL  string `json:"backend_url,omitempty"`
	FallbackURL string `json:"fallback_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// FailurePayload rides on task.failed.
type FailurePayload struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ExplorerScanPayload rides on explorer.scan.request.
type ExplorerScanPayload struct {
	SystemName string `json:"system_name"`
	Brief      string `json:"brief"`
}
