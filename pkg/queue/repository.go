// Package queue implements the cross-host job queue on top of a shared git
// repository. The repository is the only transport and the only
// mutual-exclusion mechanism between hosts: every unit of work is a
// Transaction that hard-resets the working copy to the shared tip, mutates
// it locally and publishes the mutation as one commit. A host that loses a
// publish race simply starts over from the new tip.
//
// There is no lock file and no broker. Hosts may be offline for days; the
// retry loop in Transactor makes publish races self-healing.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Well-known queue directories inside the repository.
const (
	InboxDir  = "to_stt"   // pending job files
	OutboxDir = "from_stt" // processed artifacts awaiting pickup
)

// Defaults applied by Open when Options leaves a field zero.
const (
	DefaultRemote     = "origin"
	DefaultChunkSize  = 100
	DefaultGitTimeout = 2 * time.Minute
)

// Options configures a Repository.
type Options struct {
	Remote     string        // remote name (default "origin")
	Branch     string        // shared branch (default: currently checked out branch)
	ChunkSize  int           // max paths per "git add" invocation (default 100)
	GitTimeout time.Duration // bound on every git call (default 2m)
	Git        GitRunner     // nil uses ExecGitRunner
}

// Repository is a working copy of the shared queue repository.
type Repository struct {
	dir        string
	remote     string
	branch     string
	chunkSize  int
	gitTimeout time.Duration
	git        GitRunner
}

// Open verifies that dir is a git working copy and resolves the shared
// branch. A failure here is a setup error: the caller should abort before
// any queue work begins.
func Open(ctx context.Context, dir string, opts Options) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve queue dir %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("queue dir %s is not a directory", abs)
	}

	r := &Repository{
		dir:        abs,
		remote:     opts.Remote,
		branch:     opts.Branch,
		chunkSize:  opts.ChunkSize,
		gitTimeout: opts.GitTimeout,
		git:        opts.Git,
	}
	if r.remote == "" {
		r.remote = DefaultRemote
	}
	if r.chunkSize <= 0 {
		r.chunkSize = DefaultChunkSize
	}
	if r.gitTimeout <= 0 {
		r.gitTimeout = DefaultGitTimeout
	}
	if r.git == nil {
		r.git = &ExecGitRunner{}
	}

	out, _, err := r.run(ctx, "rev-parse", "--show-toplevel")
	top := strings.TrimSpace(out)
	if err != nil || top == "" {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotWorkTree)
	}
	// Status paths are relative to the top level and clean only covers the
	// subtree, so the queue must be the whole working copy.
	if !sameDir(abs, filepath.FromSlash(top)) {
		return nil, fmt.Errorf("%s is inside %s: %w", abs, top, ErrNotRepoRoot)
	}

	if r.branch == "" {
		out, stderr, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("resolve current branch: %s: %w", strings.TrimSpace(stderr), err)
		}
		r.branch = strings.TrimSpace(out)
		if r.branch == "HEAD" {
			return nil, errors.New("queue repository has a detached HEAD; set queue.branch")
		}
	}
	return r, nil
}

func sameDir(a, b string) bool {
	if ra, err := filepath.EvalSymlinks(a); err == nil {
		a = ra
	}
	if rb, err := filepath.EvalSymlinks(b); err == nil {
		b = rb
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

// Dir returns the absolute path of the working copy.
func (r *Repository) Dir() string { return r.dir }

// Branch returns the shared branch name.
func (r *Repository) Branch() string { return r.branch }

// Inbox returns the absolute path of the to_stt directory.
func (r *Repository) Inbox() string { return filepath.Join(r.dir, InboxDir) }

// Outbox returns the absolute path of the from_stt directory.
func (r *Repository) Outbox() string { return filepath.Join(r.dir, OutboxDir) }

// EnsureLayout creates the inbox and outbox directories when missing. Git
// does not track empty directories, so each new directory gets a .gitkeep.
// It returns the directories it created; call it from inside a transaction
// action so the creation is published.
func (r *Repository) EnsureLayout() ([]string, error) {
	var created []string
	for _, name := range []string{InboxDir, OutboxDir} {
		path := filepath.Join(r.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return created, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return created, fmt.Errorf("create %s: %w", path, err)
		}
		if err := os.WriteFile(filepath.Join(path, ".gitkeep"), nil, 0o644); err != nil {
			return created, fmt.Errorf("create %s/.gitkeep: %w", name, err)
		}
		created = append(created, name)
	}
	return created, nil
}

// Synchronize discards every local change and makes the working copy match
// the shared tip exactly:
//  1. git fetch --all --prune
//  2. git reset --hard <remote>/<branch>
//  3. git clean -fd
//
// This is a destructive reset, never a merge. Untracked files are removed.
func (r *Repository) Synchronize(ctx context.Context) error {
	steps := [][]string{
		{"fetch", "--all", "--prune"},
		{"reset", "--hard", r.remote + "/" + r.branch},
		{"clean", "-fd"},
	}
	for _, args := range steps {
		if _, stderr, err := r.run(ctx, args...); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("synchronize cancelled: %w", ctx.Err())
			}
			return &SyncError{Step: args[0], Stderr: stderr, Err: err}
		}
	}
	return nil
}

// Changes lists every path that differs from HEAD: modified, deleted and
// untracked files, relative to the repository root.
func (r *Repository) Changes(ctx context.Context) ([]string, error) {
	out, stderr, err := r.run(ctx, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %s: %w", strings.TrimSpace(stderr), err)
	}
	return parsePorcelainZ(out), nil
}

// Publish stages all local differences, commits them as one commit and
// pushes it to the shared branch. It returns false without error when there
// is nothing to publish. Staging is done in chunks of ChunkSize paths to stay
// under command-line length limits; the commit and push happen once, so the
// chunking never splits the published change.
func (r *Repository) Publish(ctx context.Context, message string) (bool, error) {
	paths, err := r.Changes(ctx)
	if err != nil {
		return false, &PublishError{Step: "status", Err: err}
	}
	if len(paths) == 0 {
		return false, nil
	}

	for start := 0; start < len(paths); start += r.chunkSize {
		end := min(start+r.chunkSize, len(paths))
		args := append([]string{"add", "-A", "--"}, paths[start:end]...)
		if _, stderr, err := r.run(ctx, args...); err != nil {
			return false, &PublishError{Step: "add", Stderr: stderr, Err: err}
		}
	}

	if _, stderr, err := r.run(ctx, "commit", "-q", "-m", message); err != nil {
		return false, &PublishError{Step: "commit", Stderr: stderr, Err: err}
	}

	if _, stderr, err := r.run(ctx, "push", r.remote, "HEAD:refs/heads/"+r.branch); err != nil {
		return false, &PublishError{Step: "push", Rejected: isRejection(stderr), Stderr: stderr, Err: err}
	}
	return true, nil
}

// run executes one git command in the working copy, bounded by gitTimeout.
func (r *Repository) run(ctx context.Context, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.gitTimeout)
	defer cancel()
	return r.git.Run(ctx, r.dir, args...)
}

// parsePorcelainZ extracts paths from `git status --porcelain -z` output.
// Entries are "XY path"; renames and copies carry the original path as the
// following NUL-separated field, which is included so the old path's
// deletion is staged too.
func parsePorcelainZ(out string) []string {
	fields := strings.Split(out, "\x00")
	paths := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		paths = append(paths, f[3:])
		if f[0] == 'R' || f[0] == 'C' {
			if i+1 < len(fields) && fields[i+1] != "" {
				paths = append(paths, fields[i+1])
			}
			i++
		}
	}
	return paths
}
