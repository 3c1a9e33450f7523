package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/llm"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

const architectSystemPrompt = `You are the architecture agent of an automated software delivery pipeline.
Given a build plan, produce a design as a JSON object with:
- "stack": {"language", "frontend", "backend", "database"}
- "data_models": the entities the application persists (at least one)
Respond with ONLY the JSON object.`

const architectSchemaHint = `{
  "stack": {"language": "python", "frontend": "react", "backend": "fastapi", "database": "postgres"},
  "data_models": ["<entity>"]
}`

type archDoc struct {
	Stack      envelope.TechStack `json:"stack"`
	DataModels []string           `json:"data_models"`
}

// Architect turns a plan into a tech stack and data-model list.
type Architect struct {
	llm llm.Client
}

func NewArchitect(client llm.Client) *Architect { return &Architect{llm: client} }

func (a *Architect) Name() string         { return "architect" }
func (a *Architect) Phase() store.Phase   { return store.PhaseArchitecture }
func (a *Architect) EventTypes() []string { return []string{envelope.TypePlanCreated} }

func (a *Architect) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	plan, err := envelope.DecodePayload[envelope.PlanPayload](env)
	if err != nil {
		return nil, agent.ValidationError(err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: architectSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Request: %s\nFeatures:\n- %s\nTasks:\n- %s",
			plan.Prompt,
			strings.Join(plan.Features, "\n- "),
			strings.Join(plan.Tasks, "\n- "))},
	}
	design, err := completeJSON(ctx, a.llm, env.TaskID, messages, architectSchemaHint, func(d *archDoc) error {
		if len(d.DataModels) == 0 {
			return fmt.Errorf("design has no data models")
		}
		if d.Stack.Language == "" {
			return fmt.Errorf("design names no language")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	successor := env.Successor(a.Name(), envelope.TypeArchitectureProposed)
	err = successor.SetPayload(envelope.ArchitecturePayload{
		Stack:      design.Stack,
		DataModels: design.DataModels,
		ProjectID:  plan.ProjectID,
		Plan:       plan,
	})
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	return successor, nil
}
