package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/sandbox"
)

func codeEnvelope(language string) *envelope.Envelope {
	return chainEnvelope(envelope.TypeCodePROpened, envelope.CodePayload{
		Files: map[string]string{
			"backend/app.py":           "app = 1",
			"backend/requirements.txt": "fastapi\n# comment\npydantic\n",
		},
		ProjectID: "todo-app",
		Language:  language,
	})
}

func TestTester_PassingRun(t *testing.T) {
	runner := &fakeRunner{report: &sandbox.TestReport{OK: true, Passed: 5, Coverage: 88}}
	tester := NewTester(runner, 0)

	successor, err := tester.Handle(context.Background(), codeEnvelope("python"))
	require.NoError(t, err)
	require.NotNil(t, successor)
	assert.Equal(t, envelope.TypeTestResults, successor.EventType)

	results, err := envelope.DecodePayload[envelope.TestResultsPayload](successor)
	require.NoError(t, err)
	assert.True(t, results.OK)
	assert.Equal(t, 5, results.Passed)
	assert.Equal(t, "python", results.Language)
	assert.NotEmpty(t, results.Files) // carried forward for the reviewer and rework
}

func TestTester_NoTestFilesStillPasses(t *testing.T) {
	runner := &fakeRunner{report: &sandbox.TestReport{OK: true, Reason: "no tests collected"}}
	tester := NewTester(runner, 70) // threshold must not apply when nothing ran

	successor, err := tester.Handle(context.Background(), codeEnvelope("python"))
	require.NoError(t, err)

	results, err := envelope.DecodePayload[envelope.TestResultsPayload](successor)
	require.NoError(t, err)
	assert.True(t, results.OK)
	assert.Zero(t, results.Passed)
	assert.Zero(t, results.Failed)
	assert.Equal(t, "no tests collected", results.Reason)
}

func TestTester_CoverageBelowThresholdFails(t *testing.T) {
	runner := &fakeRunner{report: &sandbox.TestReport{OK: true, Passed: 5, Coverage: 40}}
	tester := NewTester(runner, 70)

	successor, err := tester.Handle(context.Background(), codeEnvelope("python"))
	require.NoError(t, err)

	results, err := envelope.DecodePayload[envelope.TestResultsPayload](successor)
	require.NoError(t, err)
	assert.False(t, results.OK)
	assert.Contains(t, results.Reason, "coverage")
}

func TestTester_SandboxUnavailableDegradesAfterRetries(t *testing.T) {
	runner := &fakeRunner{errs: []error{sandbox.ErrUnavailable, sandbox.ErrUnavailable, sandbox.ErrUnavailable}}
	tester := NewTester(runner, 0)

	successor, err := tester.Handle(context.Background(), codeEnvelope("python"))
	require.NoError(t, err)
	assert.Equal(t, 3, runner.calls)

	results, err := envelope.DecodePayload[envelope.TestResultsPayload](successor)
	require.NoError(t, err)
	assert.False(t, results.OK)
	assert.Equal(t, "sandbox", results.Reason)
}

func TestTester_SandboxRecoversOnRetry(t *testing.T) {
	runner := &fakeRunner{
		errs:   []error{sandbox.ErrUnavailable},
		report: &sandbox.TestReport{OK: true, Passed: 1},
	}
	tester := NewTester(runner, 0)

	successor, err := tester.Handle(context.Background(), codeEnvelope("python"))
	require.NoError(t, err)
	assert.Equal(t, 2, runner.calls)

	results, err := envelope.DecodePayload[envelope.TestResultsPayload](successor)
	require.NoError(t, err)
	assert.True(t, results.OK)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "python", detectLanguage(map[string]string{"a.py": "", "b.js": ""}))
	assert.Equal(t, "javascript", detectLanguage(map[string]string{"a.ts": ""}))
	assert.Equal(t, "python", detectLanguage(map[string]string{"README.md": ""}))
}

func TestManifestRequirements(t *testing.T) {
	files := map[string]string{"backend/requirements.txt": "fastapi\n\n# dev only\npydantic\n"}
	assert.Equal(t, []string{"fastapi", "pydantic"}, manifestRequirements("python", files))
	assert.Nil(t, manifestRequirements("javascript", files))
}
