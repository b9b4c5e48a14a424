// Package dispatch fans independent text tasks out across a set of
// interchangeable, unreliable AI provider accounts.
//
// Each active provider gets one worker. Workers share a single bounded queue,
// wait on a per-provider rate gate before every call and retire permanently
// the first time their provider fails, handing the task back to the queue for
// the remaining workers. Drain reports what completed, which providers
// retired and which tasks nobody could process.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// Provider kinds.
const (
	KindOpenAI = "openai"
	KindGemini = "gemini"
)

// DefaultCallTimeout bounds a single provider call when ProviderConfig.Timeout
// is zero.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrNoProviders is returned by NewPool when no provider can take work.
	ErrNoProviders = errors.New("no active providers")
	// ErrPoolClosed is returned by Submit after Drain has begun.
	ErrPoolClosed = errors.New("dispatch pool is closed")
	// ErrUnprocessed is the terminal error of a task no provider completed.
	ErrUnprocessed = errors.New("task left unprocessed: every provider retired")
)

// ProviderConfig describes one provider account. It is immutable for the
// lifetime of a pool.
type ProviderConfig struct {
	Name        string
	Kind        string // KindOpenAI or KindGemini
	APIKey      string
	BaseURL     string
	Model       string
	MinInterval time.Duration // minimum spacing between two calls
	Timeout     time.Duration // per-call bound, DefaultCallTimeout when zero
	Failed      bool          // excluded from assignment, kept for reporting
}

func (c ProviderConfig) callTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultCallTimeout
}

// Caller performs one completion against a provider.
type Caller interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Complete calls f.
func (f CallerFunc) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// Task is one unit of provider work. Payload is sent as the user prompt;
// Context is opaque caller data carried through to the result.
type Task struct {
	ID      string
	Payload string
	Context any
}

// TaskResult is delivered exactly once per submitted task.
type TaskResult struct {
	Task     Task
	Provider string // empty when Err is ErrUnprocessed
	Output   string
	Err      error
}

// Retirement records a provider that stopped taking work.
type Retirement struct {
	Provider string
	Reason   string
	At       time.Time
}

// Report summarizes a drained pool.
type Report struct {
	Completed   int
	Retired     []Retirement
	Unprocessed []Task
}

// Complete reports whether every submitted task finished successfully.
func (r Report) Complete() bool { return len(r.Unprocessed) == 0 }
