package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
)

func TestPlanner_ProducesPlan(t *testing.T) {
	client := &fakeLLM{responses: []string{
		`{"features": ["todo list", "auth"], "tasks": ["model", "routes"], "acceptance_criteria": ["login works"]}`,
	}}
	p := NewPlanner(client)

	env := chainEnvelope(envelope.TypeTaskInitiated, envelope.TaskInitiatedPayload{
		ProjectID: "todo-app",
		Prompt:    "build a todo app with auth",
	})
	successor, err := p.Handle(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, successor)
	assert.Equal(t, envelope.TypePlanCreated, successor.EventType)
	assert.Equal(t, env.TraceID, successor.TraceID)
	assert.Equal(t, "planner", successor.Actor)

	plan, err := envelope.DecodePayload[envelope.PlanPayload](successor)
	require.NoError(t, err)
	assert.Len(t, plan.Features, 2)
	assert.Equal(t, "todo-app", plan.ProjectID)
	assert.Equal(t, "build a todo app with auth", plan.Prompt)
}

func TestPlanner_EmptyPromptFailsValidation(t *testing.T) {
	p := NewPlanner(&fakeLLM{})

	env := chainEnvelope(envelope.TypeTaskInitiated, envelope.TaskInitiatedPayload{ProjectID: "x"})
	_, err := p.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, agent.KindValidationError, agent.Classify(err))
}

func TestPlanner_PlanWithoutTasksRejected(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"features": ["todo list"], "tasks": []}`}}
	p := NewPlanner(client)

	env := chainEnvelope(envelope.TypeTaskInitiated, envelope.TaskInitiatedPayload{
		ProjectID: "todo-app", Prompt: "build it",
	})
	_, err := p.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, agent.KindValidationError, agent.Classify(err))
	assert.Equal(t, maxFormatRetries, client.calls)
}
