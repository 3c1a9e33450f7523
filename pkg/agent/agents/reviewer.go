package agents

import (
	"context"
	"fmt"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/llm"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

const reviewerSystemPrompt = `You are the review agent of an automated software delivery pipeline.
Given the project source and its passing test results, judge whether the
code is fit to deploy. Respond as a JSON object:
- "decision": "approve" or "reject"
- "score": 0..100 overall quality
- "rationale": a short justification
Respond with ONLY the JSON object.`

const reviewerSchemaHint = `{
  "decision": "approve",
  "score": 85,
  "rationale": "<why>"
}`

type reviewDoc struct {
	Decision  string `json:"decision"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
}

// Reviewer scores passing code and decides approve or reject. A reject
// terminates the task; there is no automated re-entry.
type Reviewer struct {
	llm llm.Client
}

func NewReviewer(client llm.Client) *Reviewer { return &Reviewer{llm: client} }

func (r *Reviewer) Name() string         { return "reviewer" }
func (r *Reviewer) Phase() store.Phase   { return store.PhaseReviewing }
func (r *Reviewer) EventTypes() []string { return []string{envelope.TypeTestResults} }

// Accepts takes only passing test results; failing ones belong to the
// coder's rework edge.
func (r *Reviewer) Accepts(env *envelope.Envelope) bool {
	results, err := envelope.DecodePayload[envelope.TestResultsPayload](env)
	if err != nil {
		return true
	}
	return results.OK
}

func (r *Reviewer) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	results, err := envelope.DecodePayload[envelope.TestResultsPayload](env)
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	if !results.OK {
		return nil, nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: reviewerSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Test results: %d passed, %d failed, %d skipped, coverage %.1f%%\n\nSource:\n%s",
			results.Passed, results.Failed, results.Skipped, results.Coverage,
			fileListing(results.Files))},
	}
	review, err := completeJSON(ctx, r.llm, env.TaskID, messages, reviewerSchemaHint, func(d *reviewDoc) error {
		if d.Decision != "approve" && d.Decision != "reject" {
			return fmt.Errorf("decision must be approve or reject, got %q", d.Decision)
		}
		if d.Score < 0 || d.Score > 100 {
			return fmt.Errorf("score %d outside 0..100", d.Score)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	successor := env.Successor(r.Name(), envelope.TypeReviewDecision)
	err = successor.SetPayload(envelope.ReviewDecisionPayload{
		Approved:  review.Decision == "approve",
		Score:     review.Score,
		Rationale: review.Rationale,
		ProjectID: results.ProjectID,
		Files:     results.Files,
	})
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	return successor, nil
}
