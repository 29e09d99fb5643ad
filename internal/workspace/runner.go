package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner executes a git subcommand in a directory and returns its combined
// output. Implementations must be safe for concurrent use.
type GitRunner interface {
	Git(ctx context.Context, dir string, args ...string) (string, error)
}

type execGitRunner struct{}

// NewGitRunner returns a GitRunner backed by the git binary.
func NewGitRunner() GitRunner {
	return &execGitRunner{}
}

func (r *execGitRunner) Git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never let git block on a credential or editor prompt.
	cmd.Env = append(cmd.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_EDITOR=true",
	)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return output, nil
}
