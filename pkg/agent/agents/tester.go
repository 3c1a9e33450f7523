package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/sandbox"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// sandboxRetries is how many times the tester re-attempts an unreachable
// sandbox before reporting a failed run instead of erroring out.
const sandboxRetries = 2

// TestRunner is the slice of the sandbox the tester needs.
type TestRunner interface {
	RunPythonTests(ctx context.Context, req sandbox.TestRequest) (*sandbox.TestReport, error)
	RunJavaScriptTests(ctx context.Context, req sandbox.TestRequest) (*sandbox.TestReport, error)
}

var _ TestRunner = (*sandbox.Service)(nil)

// Tester runs the generated project's tests in the sandbox and publishes
// pass/fail results.
type Tester struct {
	runner            TestRunner
	coverageThreshold float64 // 0 disables the check
}

func NewTester(runner TestRunner, coverageThreshold float64) *Tester {
	return &Tester{runner: runner, coverageThreshold: coverageThreshold}
}

func (t *Tester) Name() string         { return "tester" }
func (t *Tester) Phase() store.Phase   { return store.PhaseTesting }
func (t *Tester) EventTypes() []string { return []string{envelope.TypeCodePROpened} }

func (t *Tester) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	code, err := envelope.DecodePayload[envelope.CodePayload](env)
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	if len(code.Files) == 0 {
		return nil, agent.ValidationError(fmt.Errorf("code payload for task %s has no files", env.TaskID))
	}

	language := code.Language
	if language == "" {
		language = detectLanguage(code.Files)
	}

	report, err := t.runWithRetry(ctx, language, code)
	if err != nil {
		return nil, err
	}

	results := envelope.TestResultsPayload{
		OK:       report.OK,
		Passed:   report.Passed,
		Failed:   report.Failed,
		Skipped:  report.Skipped,
		Coverage: report.Coverage,
		Reason:   report.Reason,
		Findings: report.Output,

		ProjectID: code.ProjectID,
		Files:     code.Files,
		Language:  language,
	}
	if results.OK && t.coverageThreshold > 0 && report.Coverage > 0 && report.Coverage < t.coverageThreshold {
		results.OK = false
		results.Reason = fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", report.Coverage, t.coverageThreshold)
	}

	successor := env.Successor(t.Name(), envelope.TypeTestResults)
	if err := successor.SetPayload(results); err != nil {
		return nil, agent.ValidationError(err)
	}
	return successor, nil
}

// runWithRetry re-attempts an unreachable sandbox twice, then degrades to a
// failed result with reason=sandbox so the pipeline reports instead of
// stalling.
func (t *Tester) runWithRetry(ctx context.Context, language string, code *envelope.CodePayload) (*sandbox.TestReport, error) {
	req := sandbox.TestRequest{Files: code.Files, Requirements: manifestRequirements(language, code.Files)}

	var lastErr error
	for attempt := 0; attempt <= sandboxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, agent.TimeoutError(ctx.Err())
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}

		var report *sandbox.TestReport
		var err error
		switch language {
		case "javascript", "typescript":
			report, err = t.runner.RunJavaScriptTests(ctx, req)
		default:
			report, err = t.runner.RunPythonTests(ctx, req)
		}
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, sandbox.ErrUnavailable) {
			return nil, agent.ToolError(err)
		}
		lastErr = err
	}

	return &sandbox.TestReport{
		OK:     false,
		Reason: "sandbox",
		Output: lastErr.Error(),
	}, nil
}

// detectLanguage falls back to file extensions when the coder did not name
// a language.
func detectLanguage(files map[string]string) string {
	for path := range files {
		if strings.HasSuffix(path, ".py") {
			return "python"
		}
	}
	for path := range files {
		if strings.HasSuffix(path, ".js") || strings.HasSuffix(path, ".ts") {
			return "javascript"
		}
	}
	return "python"
}

// manifestRequirements pulls the install list from the project manifest.
func manifestRequirements(language string, files map[string]string) []string {
	var manifest string
	switch language {
	case "javascript", "typescript":
		// npm install reads package.json from the workspace directly.
		return nil
	default:
		manifest = files["requirements.txt"]
		if manifest == "" {
			manifest = files["backend/requirements.txt"]
		}
	}

	var reqs []string
	for _, line := range strings.Split(manifest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		reqs = append(reqs, line)
	}
	return reqs
}
