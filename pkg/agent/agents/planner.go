package agents

import (
	"context"
	"fmt"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/llm"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

const plannerSystemPrompt = `You are the planning agent of an automated software delivery pipeline.
Given a user's product request, produce a build plan as a JSON object with:
- "features": user-visible capabilities (at least one)
- "tasks": concrete engineering tasks to implement them (at least one)
- "acceptance_criteria": verifiable statements of done
Respond with ONLY the JSON object.`

const plannerSchemaHint = `{
  "features": ["<feature>"],
  "tasks": ["<task>"],
  "acceptance_criteria": ["<criterion>"]
}`

type planDoc struct {
	Features           []string `json:"features"`
	Tasks              []string `json:"tasks"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// Planner turns the task prompt into a structured build plan.
type Planner struct {
	llm llm.Client
}

func NewPlanner(client llm.Client) *Planner { return &Planner{llm: client} }

func (p *Planner) Name() string         { return "planner" }
func (p *Planner) Phase() store.Phase   { return store.PhasePlanning }
func (p *Planner) EventTypes() []string { return []string{envelope.TypeTaskInitiated} }

func (p *Planner) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	input, err := envelope.DecodePayload[envelope.TaskInitiatedPayload](env)
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	if input.Prompt == "" {
		return nil, agent.ValidationError(fmt.Errorf("task %s has an empty prompt", env.TaskID))
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Project: %s\nRequest: %s", input.ProjectID, input.Prompt)},
	}
	plan, err := completeJSON(ctx, p.llm, env.TaskID, messages, plannerSchemaHint, func(d *planDoc) error {
		if len(d.Features) == 0 {
			return fmt.Errorf("plan has no features")
		}
		if len(d.Tasks) == 0 {
			return fmt.Errorf("plan has no tasks")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	successor := env.Successor(p.Name(), envelope.TypePlanCreated)
	err = successor.SetPayload(envelope.PlanPayload{
		Features:           plan.Features,
		Tasks:              plan.Tasks,
		AcceptanceCriteria: plan.AcceptanceCriteria,
		ProjectID:          input.ProjectID,
		Prompt:             input.Prompt,
	})
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	return successor, nil
}
