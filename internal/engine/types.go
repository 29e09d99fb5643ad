package engine

import (
	"context"

	"github.com/fyrsmithlabs/autodev/internal/agent"
	"github.com/fyrsmithlabs/autodev/internal/recovery"
	"github.com/fyrsmithlabs/autodev/internal/workspace"
)

// Agent is the coding-agent surface the engine drives.
type Agent interface {
	Plan(ctx context.Context, req agent.PlanRequest) (*agent.Result, error)
	Implement(ctx context.Context, req agent.ImplementRequest) (*agent.Result, error)
}

// Workspaces is the workspace-manager surface the engine drives.
type Workspaces interface {
	Create(ctx context.Context, key, summary string) (*workspace.Workspace, error)
	Open(key, path, branch string) (*workspace.Workspace, error)
	CommitAndPush(ctx context.Context, ws *workspace.Workspace, message string) error
	MergeIntoStaging(ctx context.Context, ws *workspace.Workspace) error
	Destroy(ctx context.Context, ws *workspace.Workspace)
}

// Verifier is the CI recovery-loop surface the engine drives.
type Verifier interface {
	EnsureGreen(ctx context.Context, req recovery.Request) (*recovery.Outcome, error)
}
