package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// TestRequest describes a language-specific test run. Files holds both the
// sources under test and the test files, keyed by workspace-relative path.
type TestRequest struct {
	Files        map[string]string
	Requirements []string
	Args         []string
}

// RunPythonTests mounts the files, installs extra requirements if supplied,
// runs pytest, and parses the outcome.
func (s *Service) RunPythonTests(ctx context.Context, req TestRequest) (*TestReport, error) {
	var parts []string
	if len(req.Requirements) > 0 {
		parts = append(parts, "pip install --quiet "+shellJoin(req.Requirements))
	}
	parts = append(parts, "python -m pytest -v --tb=short "+shellJoin(req.Args))

	res, err := s.RunCommand(ctx, RunRequest{
		Cmd:   []string{"sh", "-c", strings.Join(parts, " && ")},
		Files: req.Files,
	})
	if err != nil {
		return nil, err
	}
	report := parsePytest(res)
	return &report, nil
}

// RunJavaScriptTests mounts the files, installs packages when a
// package.json is present or requirements are supplied, runs jest, and
// parses the outcome.
func (s *Service) RunJavaScriptTests(ctx context.Context, req TestRequest) (*TestReport, error) {
	var parts []string
	if _, ok := req.Files["package.json"]; ok {
		parts = append(parts, "npm install --silent")
	}
	if len(req.Requirements) > 0 {
		parts = append(parts, "npm install --silent "+shellJoin(req.Requirements))
	}
	parts = append(parts, "npx jest --ci "+shellJoin(req.Args))

	res, err := s.RunCommand(ctx, RunRequest{
		Cmd:   []string{"sh", "-c", strings.Join(parts, " && ")},
		Files: req.Files,
	})
	if err != nil {
		return nil, err
	}
	report := parseJest(res)
	return &report, nil
}

// RunLinter runs the named linter (flake8, eslint) over the mounted files.
// A non-zero exit is a finding, not an error.
func (s *Service) RunLinter(ctx context.Context, files map[string]string, linter string, args []string) (*LintReport, error) {
	switch linter {
	case "flake8", "eslint":
	default:
		return nil, fmt.Errorf("unsupported linter: %s", linter)
	}

	cmd := append([]string{linter}, args...)
	cmd = append(cmd, ".")
	res, err := s.RunCommand(ctx, RunRequest{Cmd: cmd, Files: files})
	if err != nil {
		return nil, err
	}
	report := parseLint(res)
	return &report, nil
}

// shellJoin space-joins args after dropping anything with shell
// metacharacters. Agent-supplied args are advisory, not trusted.
func shellJoin(args []string) string {
	clean := make([]string, 0, len(args))
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, ";&|<>`$\"'\\\n") {
			continue
		}
		clean = append(clean, a)
	}
	return strings.Join(clean, " ")
}
