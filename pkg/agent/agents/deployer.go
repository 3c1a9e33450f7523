package agents

import (
	"context"
	"fmt"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/preview"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// PreviewDeployer is the slice of the preview service the deployer needs.
type PreviewDeployer interface {
	Deploy(ctx context.Context, req preview.DeployRequest) (*store.Preview, error)
}

var _ PreviewDeployer = (*preview.Service)(nil)

// RepoLocator resolves a project name to its source tree on disk.
type RepoLocator interface {
	RepoPath(name string) string
}

// Deployer brings up the preview stack for approved code. Deploy failures
// become deploy.status(fail) results, not pipeline errors; a rejected
// review terminates the task.
type Deployer struct {
	previews PreviewDeployer
	repos    RepoLocator
}

func NewDeployer(previews PreviewDeployer, repos RepoLocator) *Deployer {
	return &Deployer{previews: previews, repos: repos}
}

func (d *Deployer) Name() string         { return "deployer" }
func (d *Deployer) Phase() store.Phase   { return store.PhaseDeploying }
func (d *Deployer) EventTypes() []string { return []string{envelope.TypeReviewDecision} }

func (d *Deployer) Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	decision, err := envelope.DecodePayload[envelope.ReviewDecisionPayload](env)
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	if !decision.Approved {
		return nil, agent.ValidationError(
			fmt.Errorf("review rejected (score %d): %s", decision.Score, decision.Rationale))
	}

	successor := env.Successor(d.Name(), envelope.TypeDeployStatus)

	record, err := d.previews.Deploy(ctx, preview.DeployRequest{
		TaskID:    env.TaskID,
		Project:   decision.ProjectID,
		SourceDir: d.repos.RepoPath(decision.ProjectID),
	})
	if err != nil {
		if setErr := successor.SetPayload(envelope.DeployStatusPayload{
			OK:     false,
			Reason: err.Error(),
		}); setErr != nil {
			return nil, agent.ValidationError(setErr)
		}
		return successor, nil
	}

	err = successor.SetPayload(envelope.DeployStatusPayload{
		OK:          true,
		PreviewURL:  record.PreviewURL,
		BackendURL:  fmt.Sprintf("http://localhost:%d", record.BackendPort),
		FallbackURL: record.FallbackURL,
	})
	if err != nil {
		return nil, agent.ValidationError(err)
	}
	return successor, nil
}
