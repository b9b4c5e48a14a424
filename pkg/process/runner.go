// Package process drives the server side of a job: it pops lines from the
// local work file and hands each one to an external processing command that
// produces the result artifacts.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sttq/pkg/jobs"
)

// Status is the outcome of one work-file line.
type Status string

const (
	StatusDone    Status = "done"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Summary counts the outcomes of a Drain.
type Summary struct {
	Done    int
	Skipped int
	Failed  int
}

// Total returns the number of lines handled.
func (s Summary) Total() int { return s.Done + s.Skipped + s.Failed }

// Runner processes the work file line by line.
type Runner struct {
	Work      WorkFile
	Processor Processor
	Logger    *slog.Logger
	// Pause between two jobs; 0 means none.
	Pause time.Duration
	// OnItem is called after every line (may be nil).
	OnItem func(item jobs.WorkItem, status Status, err error)
}

// Drain processes lines until the work file has none left. A line is
// removed before it is processed; a failed job is logged and not retried.
// Drain returns early only when ctx is cancelled or the work file cannot be
// read.
func (r *Runner) Drain(ctx context.Context) (Summary, error) {
	var sum Summary
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		line, ok, err := r.Work.Pop()
		if err != nil {
			return sum, fmt.Errorf("pop work line: %w", err)
		}
		if !ok {
			return sum, nil
		}

		item := jobs.WorkItem{Raw: line, Job: jobs.ParseLine(line), File: r.Work.Path}
		status, err := r.handle(ctx, item)
		switch status {
		case StatusDone:
			sum.Done++
			log.Info("job processed", slog.String("bvid", item.BVID()))
		case StatusSkipped:
			sum.Skipped++
			log.Info("job skipped", slog.String("line", item.Raw), slog.String("reason", err.Error()))
		case StatusFailed:
			sum.Failed++
			log.Error("job failed", slog.String("bvid", item.BVID()), slog.String("error", err.Error()))
		}
		if r.OnItem != nil {
			r.OnItem(item, status, err)
		}

		if r.Pause > 0 {
			if err := sleepContext(ctx, r.Pause); err != nil {
				return sum, err
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, item jobs.WorkItem) (Status, error) {
	if item.Structured() && !item.Job.Processable() {
		return StatusSkipped, fmt.Errorf("status %q", item.Job.Status)
	}
	if !item.Structured() && item.BVID() == "" {
		return StatusSkipped, fmt.Errorf("no video identifier")
	}
	if err := r.Processor.Process(ctx, item); err != nil {
		return StatusFailed, err
	}
	return StatusDone, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
