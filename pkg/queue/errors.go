package queue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotWorkTree is returned by Open when the queue path is not inside a git
// working copy.
var ErrNotWorkTree = errors.New("not a git work tree")

// ErrNotRepoRoot is returned by Open when the queue path is a subdirectory
// of a working copy instead of its top level.
var ErrNotRepoRoot = errors.New("queue dir is not the top level of its repository")

// PublishError is returned when the local mutation could not be appended to
// the shared history. Rejected is true when the remote refused the push
// because another host published first; the caller (Transactor) retries
// from a fresh Synchronize either way.
type PublishError struct {
	Step     string // "add", "commit" or "push"
	Rejected bool
	Stderr   string
	Err      error
}

func (e *PublishError) Error() string {
	reason := "failed"
	if e.Rejected {
		reason = "rejected (shared tip moved)"
	}
	msg := fmt.Sprintf("publish %s %s", e.Step, reason)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PublishError) Unwrap() error { return e.Err }

// SyncError is returned when Synchronize cannot bring the working copy to
// the shared tip (usually a network failure talking to the remote).
type SyncError struct {
	Step   string
	Stderr string
	Err    error
}

func (e *SyncError) Error() string {
	msg := "synchronize " + e.Step + " failed"
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// rejectionMarkers are the fragments git prints when a push loses the race.
var rejectionMarkers = []string{
	"[rejected]",
	"non-fast-forward",
	"fetch first",
	"failed to push some refs",
	"stale info",
}

// isRejection reports whether push stderr describes a lost publish race.
func isRejection(stderr string) bool {
	for _, m := range rejectionMarkers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
