package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Runner starts the agent binary and exposes its stdout as a stream. The
// returned wait function must be called after the stream is drained.
type Runner interface {
	Stream(ctx context.Context, dir string, name string, args ...string) (io.ReadCloser, func() error, error)
}

type execRunner struct{}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() Runner {
	return &execRunner{}
}

func (r *execRunner) Stream(ctx context.Context, dir string, name string, args ...string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", name, err)
	}
	return stdout, cmd.Wait, nil
}
