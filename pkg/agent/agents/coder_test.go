package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
)

const codeResponse = `{"files": {
	"backend/app.py": "app = 1",
	"backend/Dockerfile": "FROM python:3.12-slim",
	"frontend/Dockerfile": "FROM node:20-slim"
}}`

func archEnvelope() *envelope.Envelope {
	return chainEnvelope(envelope.TypeArchitectureProposed, envelope.ArchitecturePayload{
		Stack:      envelope.TechStack{Language: "python", Backend: "fastapi"},
		DataModels: []string{"Todo"},
		ProjectID:  "todo-app",
		Plan:       &envelope.PlanPayload{Features: []string{"todo list"}},
	})
}

func failResultsEnvelope() *envelope.Envelope {
	return chainEnvelope(envelope.TypeTestResults, envelope.TestResultsPayload{
		OK:        false,
		Failed:    2,
		Reason:    "tests failed",
		Findings:  "assert 1 == 2",
		ProjectID: "todo-app",
		Files:     map[string]string{"backend/app.py": "app = 1"},
		Language:  "python",
	})
}

func TestCoder_InitialBuildCommitsAndPublishes(t *testing.T) {
	git := &fakeGit{}
	c := NewCoder(&fakeLLM{responses: []string{codeResponse}}, git, &fakeRework{}, 2)

	successor, err := c.Handle(context.Background(), archEnvelope())
	require.NoError(t, err)
	require.NotNil(t, successor)
	assert.Equal(t, envelope.TypeCodePROpened, successor.EventType)
	assert.Equal(t, "todo-app", successor.Repo)
	assert.Equal(t, "feature/task-task-1", successor.Branch)
	assert.NotEmpty(t, successor.Commit)

	assert.Equal(t, []string{"feature/task-task-1"}, git.branches)
	require.Len(t, git.commitMsgs, 1)
	assert.Contains(t, git.commitMsgs[0], "[coder-agent]")

	code, err := envelope.DecodePayload[envelope.CodePayload](successor)
	require.NoError(t, err)
	assert.Len(t, code.Files, 3)
	assert.Equal(t, "skipped", code.Remote)
	assert.Equal(t, "no remote configured", code.RemoteReason)
	assert.Zero(t, code.ReworkAttempt)
}

func TestCoder_RemoteConfiguredAttachesPR(t *testing.T) {
	git := &fakeGit{remoteOn: true, prURL: "https://example.com/pr/1"}
	c := NewCoder(&fakeLLM{responses: []string{codeResponse}}, git, &fakeRework{}, 2)

	successor, err := c.Handle(context.Background(), archEnvelope())
	require.NoError(t, err)

	code, err := envelope.DecodePayload[envelope.CodePayload](successor)
	require.NoError(t, err)
	assert.Equal(t, "pushed", code.Remote)
	assert.Equal(t, "https://example.com/pr/1", code.PRURL)
}

func TestCoder_PushFailureDegradesToSkipped(t *testing.T) {
	git := &fakeGit{remoteOn: true, pushErr: assert.AnError}
	c := NewCoder(&fakeLLM{responses: []string{codeResponse}}, git, &fakeRework{}, 2)

	successor, err := c.Handle(context.Background(), archEnvelope())
	require.NoError(t, err)

	code, err := envelope.DecodePayload[envelope.CodePayload](successor)
	require.NoError(t, err)
	assert.Equal(t, "skipped", code.Remote)
	assert.NotEmpty(t, code.RemoteReason)
}

func TestCoder_IgnoresPassingTestResults(t *testing.T) {
	c := NewCoder(&fakeLLM{}, &fakeGit{}, &fakeRework{}, 2)

	env := chainEnvelope(envelope.TypeTestResults, envelope.TestResultsPayload{OK: true})
	assert.False(t, c.Accepts(env))

	successor, err := c.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Nil(t, successor)
}

func TestCoder_ReworkProducesRevision(t *testing.T) {
	git := &fakeGit{}
	rework := &fakeRework{}
	c := NewCoder(&fakeLLM{responses: []string{codeResponse}}, git, rework, 2)

	env := failResultsEnvelope()
	assert.True(t, c.Accepts(env))

	successor, err := c.Handle(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, successor)

	code, err := envelope.DecodePayload[envelope.CodePayload](successor)
	require.NoError(t, err)
	assert.Equal(t, 1, code.ReworkAttempt)
	require.Len(t, git.commitMsgs, 1)
	assert.Contains(t, git.commitMsgs[0], "revise after failing tests")
}

func TestCoder_ReworkExhausted(t *testing.T) {
	rework := &fakeRework{attempt: 2} // two revisions already consumed
	c := NewCoder(&fakeLLM{responses: []string{codeResponse}}, &fakeGit{}, rework, 2)

	_, err := c.Handle(context.Background(), failResultsEnvelope())
	require.Error(t, err)
	assert.Equal(t, agent.KindReworkExhausted, agent.Classify(err))
}
