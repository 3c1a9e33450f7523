package agents

import (
	"context"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/gitsvc"
	"github.com/catalyst-hq/catalyst/pkg/llm"
	"github.com/catalyst-hq/catalyst/pkg/preview"
	"github.com/catalyst-hq/catalyst/pkg/sandbox"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// fakeLLM replays scripted completions in order, repeating the last one.
type fakeLLM struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return &llm.Response{Content: f.responses[i], Model: "test"}, nil
}

// fakeGit records the calls the coder makes.
type fakeGit struct {
	initErr    error
	commitErr  error
	pushErr    error
	remoteOn   bool
	branches   []string
	committed  map[string]string
	commitMsgs []string
	prURL      string
}

func (f *fakeGit) InitRepo(name string) (string, error) {
	return "/repos/" + name, f.initErr
}

func (f *fakeGit) CreateBranch(_, branch string) error {
	f.branches = append(f.branches, branch)
	return nil
}

func (f *fakeGit) Commit(_, message string, files map[string]string) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.committed = files
	f.commitMsgs = append(f.commitMsgs, message)
	return "aaaabbbbccccddddeeeeffff0000111122223333", nil
}

func (f *fakeGit) EnsureRemote(string) error {
	if !f.remoteOn {
		return gitsvc.ErrRemoteDisabled
	}
	return nil
}

func (f *fakeGit) Push(_ context.Context, _, _ string) error { return f.pushErr }

func (f *fakeGit) OpenPR(_ context.Context, _, _, _, _ string) (string, error) {
	return f.prURL, nil
}

// fakeRework counts BumpRework calls.
type fakeRework struct {
	attempt int
	err     error
}

func (f *fakeRework) BumpRework(context.Context, string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.attempt++
	return f.attempt, nil
}

// fakeRunner scripts sandbox outcomes. errs are consumed before report.
type fakeRunner struct {
	errs   []error
	report *sandbox.TestReport
	calls  int
}

func (f *fakeRunner) run() (*sandbox.TestReport, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.report, nil
}

func (f *fakeRunner) RunPythonTests(context.Context, sandbox.TestRequest) (*sandbox.TestReport, error) {
	return f.run()
}

func (f *fakeRunner) RunJavaScriptTests(context.Context, sandbox.TestRequest) (*sandbox.TestReport, error) {
	return f.run()
}

// fakePreviews scripts the deployer's preview call.
type fakePreviews struct {
	record *store.Preview
	err    error
	reqs   []preview.DeployRequest
}

func (f *fakePreviews) Deploy(_ context.Context, req preview.DeployRequest) (*store.Preview, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

type fakeRepos struct{}

func (fakeRepos) RepoPath(name string) string { return "/repos/" + name }

func chainEnvelope(eventType string, payload any) *envelope.Envelope {
	env := envelope.NewTrace("task-1", "test", eventType)
	if payload != nil {
		if err := env.SetPayload(payload); err != nil {
			panic(err)
		}
	}
	return env
}
