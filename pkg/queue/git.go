package queue

import (
	"context"
	"os/exec"
	"strings"
)

// GitRunner runs one git command inside the queue working copy. The
// Repository issues every fetch, reset, clean, commit and push through it,
// so tests can script the whole conversation.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// gitEnv is appended to the caller's environment for every queue command.
// Push rejections are recognised by their English wording, and a host with
// no cached credential must fail the round rather than wait on a prompt.
var gitEnv = []string{ //nolint:gochecknoglobals // static table
	"LC_ALL=C",
	"GIT_TERMINAL_PROMPT=0",
}

// ExecGitRunner runs the git binary found on PATH.
type ExecGitRunner struct{}

// Run executes git in dir. Output is captured in full; the Repository
// decides what to trim and what to surface in errors.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), gitEnv...)

	var out, errOut strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	err = cmd.Run()
	return out.String(), errOut.String(), err
}
