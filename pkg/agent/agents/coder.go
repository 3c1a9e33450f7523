package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/gitsvc"
	"github.com/catalyst-hq/catalyst/pkg/llm"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

const coderSystemPrompt = `You are the coding agent of an automated software delivery pipeline.
Given an architecture, produce the complete project source as a JSON object:
- "files": a map from repository-relative path to full file contents
The project must contain a backend/ directory with a Dockerfile, a frontend/
directory with a Dockerfile, and tests for the backend.
Respond with ONLY the JSON object.`

const coderSchemaHint = `{
  "files": {"backend/app.py": "<contents>", "backend/Dockerfile": "<contents>"}
}`

type codeDoc struct {
	Files map[string]string `json:"files"`
}

// GitService is the slice of the git layer the coder needs.
type GitService interface {
	InitRepo(name string) (string, error)
	CreateBranch(name, branch string) error
	Commit(name, message string, files map[string]string) (string, error)
	EnsureRemote(name string) error
	Push(ctx context.Context, name, branch string) error
	OpenPR(ctx context.Context, name, branch, title, body string) (string, error)
}

var _ GitService = (*gitsvc.Service)(nil)

// ReworkStore tracks how many revision rounds a task has consumed.
type ReworkStore interface {
	BumpRework(ctx context.Context, taskID string) (int, error)
}

var _ ReworkStore = (*store.Client)(nil)

// Coder generates the project source, commits it on a feature branch, and
// revises it when tests fail, up to the rework cap.
type Coder struct {
	llm       llm.Client
	git       GitService
	rework    ReworkStore
	reworkMax int
}

func NewCoder(client llm.Client, git GitService, rework ReworkStore, reworkMax int) *Coder {
	return &Coder{llm: client, git: git, rework: rework, reworkMax: reworkMax}
}

func (c *Coder) Name() string       { return "coder" }
func (c *Coder) Phase() store.Phase { return store.PhaseCoding }

// EventTypes binds both the forward edge and the rework edge.
func (c *Coder) EventTypes() []string {
	return []string{envelope.TypeArchitectureProposed, envelope.TypeTestResults}
}

// Accepts takes every architecture event but only failing test results;
// passing ones belong to the reviewer.
func (c *Coder) Accepts(env *envelope.Envelope) bool {
	if env.EventType != envelope.TypeTestResults {
		return true
	}
	results, err := envelope.DecodePayload[envelope.TestResultsPayload](env)
	if err != nil {
		return true // let Handle surface the validation error
	}
	return !results.OK
}

func (c *Coder) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	switch env.EventType {
	case envelope.TypeArchitectureProposed:
		return c.initialBuild(ctx, env)
	case envelope.TypeTestResults:
		return c.rebuild(ctx, env)
	default:
		return nil, nil
	}
}

func (c *Coder) initialBuild(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	arch, err := envelope.DecodePayload[envelope.ArchitecturePayload](env)
	if err != nil {
		return nil, agent.ValidationError(err)
	}

	var features []string
	if arch.Plan != nil {
		features = arch.Plan.Features
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: coderSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Stack: %s backend (%s), %s frontend, %s database\nData models: %s\nFeatures:\n- %s",
			arch.Stack.Language, arch.Stack.Backend, arch.Stack.Frontend, arch.Stack.Database,
			strings.Join(arch.DataModels, ", "),
			strings.Join(features, "\n- "))},
	}
	code, err := completeJSON(ctx, c.llm, env.TaskID, messages, coderSchemaHint, validateCode)
	if err != nil {
		return nil, err
	}

	return c.commitAndPublish(ctx, env, arch.ProjectID, code.Files, arch.Stack.Language, 0)
}

// rebuild handles the tester's fail edge. Passing results belong to the
// reviewer and are ignored here.
func (c *Coder) rebuild(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	results, err := envelope.DecodePayload[envelope.TestResultsPayload](env)
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	if results.OK {
		return nil, nil
	}

	attempt, err := c.rework.BumpRework(ctx, env.TaskID)
	if err != nil {
		return nil, agent.ToolError(err)
	}
	if attempt > c.reworkMax {
		return nil, agent.ReworkExhausted(
			fmt.Errorf("tests still failing after %d revisions", c.reworkMax))
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: coderSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"The previous revision failed its tests.\nFailure: %s\nFindings:\n%s\n\nCurrent files:\n%s\n\nProduce a corrected complete file set.",
			results.Reason, results.Findings, fileListing(results.Files))},
	}
	code, err := completeJSON(ctx, c.llm, env.TaskID, messages, coderSchemaHint, validateCode)
	if err != nil {
		return nil, err
	}

	return c.commitAndPublish(ctx, env, results.ProjectID, code.Files, results.Language, attempt)
}

// commitAndPublish writes the files to the task branch and builds the
// code.pr.opened successor. Remote failures degrade to remote=skipped, they
// never fail the phase.
func (c *Coder) commitAndPublish(ctx context.Context, env *envelope.Envelope,
	project string, files map[string]string, language string, attempt int) (*envelope.Envelope, error) {

	if _, err := c.git.InitRepo(project); err != nil {
		return nil, agent.ToolError(err)
	}
	branch := gitsvc.TaskBranch(env.TaskID)
	if err := c.git.CreateBranch(project, branch); err != nil {
		return nil, agent.ToolError(err)
	}

	summary := "implement generated project"
	if attempt > 0 {
		summary = fmt.Sprintf("revise after failing tests (attempt %d)", attempt)
	}
	message := gitsvc.FormatCommitMessage("feat", summary, sortedPaths(files), "coder")
	sha, err := c.git.Commit(project, message, files)
	if err != nil {
		return nil, agent.ToolError(err)
	}

	payload := envelope.CodePayload{
		Files:         files,
		ProjectID:     project,
		ReworkAttempt: attempt,
		Language:      language,
	}
	payload.Remote, payload.PRURL, payload.RemoteReason = c.publishRemote(ctx, project, branch, summary)

	successor := env.Successor(c.Name(), envelope.TypeCodePROpened)
	successor.Repo = project
	successor.Branch = branch
	successor.Commit = sha
	if err := successor.SetPayload(payload); err != nil {
		return nil, agent.ValidationError(err)
	}
	return successor, nil
}

func (c *Coder) publishRemote(ctx context.Context, project, branch, title string) (remote, prURL, reason string) {
	if err := c.git.EnsureRemote(project); err != nil {
		if errors.Is(err, gitsvc.ErrRemoteDisabled) {
			return "skipped", "", "no remote configured"
		}
		return "skipped", "", err.Error()
	}
	if err := c.git.Push(ctx, project, branch); err != nil {
		return "skipped", "", err.Error()
	}
	prURL, err := c.git.OpenPR(ctx, project, branch, title, "Automated change set.")
	if err != nil {
		return "skipped", "", err.Error()
	}
	return "pushed", prURL, ""
}

func validateCode(d *codeDoc) error {
	if len(d.Files) == 0 {
		return fmt.Errorf("code response contains no files")
	}
	return nil
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func fileListing(files map[string]string) string {
	var b strings.Builder
	for _, p := range sortedPaths(files) {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", p, files[p])
	}
	return b.String()
}
