package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
)

func planEnvelope() *envelope.Envelope {
	return chainEnvelope(envelope.TypePlanCreated, envelope.PlanPayload{
		Features:  []string{"todo list"},
		Tasks:     []string{"build model"},
		ProjectID: "todo-app",
		Prompt:    "build a todo app",
	})
}

func TestArchitect_ProducesDesign(t *testing.T) {
	client := &fakeLLM{responses: []string{
		`{"stack": {"language": "python", "backend": "fastapi", "frontend": "react", "database": "postgres"},
		  "data_models": ["Todo", "User"]}`,
	}}
	a := NewArchitect(client)

	successor, err := a.Handle(context.Background(), planEnvelope())
	require.NoError(t, err)
	require.NotNil(t, successor)
	assert.Equal(t, envelope.TypeArchitectureProposed, successor.EventType)

	arch, err := envelope.DecodePayload[envelope.ArchitecturePayload](successor)
	require.NoError(t, err)
	assert.Equal(t, "python", arch.Stack.Language)
	assert.Equal(t, []string{"Todo", "User"}, arch.DataModels)
	require.NotNil(t, arch.Plan)
	assert.Equal(t, []string{"todo list"}, arch.Plan.Features)
}

func TestArchitect_MissingDataModelsRejected(t *testing.T) {
	client := &fakeLLM{responses: []string{
		`{"stack": {"language": "python"}, "data_models": []}`,
	}}
	a := NewArchitect(client)

	_, err := a.Handle(context.Background(), planEnvelope())
	require.Error(t, err)
	assert.Equal(t, agent.KindValidationError, agent.Classify(err))
}
