package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"sttq/pkg/jobs"
	"sttq/pkg/process"
)

var jobPause = 10 * time.Second //nolint:gochecknoglobals // mutable for test injection

// newRunCmd creates the "sttq run" subcommand.
func newRunCmd(opts *rootOptions) *cobra.Command {
	bindings := map[string]string{"select.max_cycles": "cycles"}
	for k, v := range selectBindings {
		bindings[k] = v
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process jobs from the queue and publish the results",
		Long: "Server loop: finishes lines left in paths.work_file by an earlier run,\n" +
			"then repeats take → process up to select.max_cycles times, and finally\n" +
			"publishes the artifacts in paths.results_dir.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd, bindings)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context())
		},
	}

	addSelectFlags(cmd)
	cmd.Flags().Int("cycles", 0, "maximum take → process cycles")
	return cmd
}

func (a *app) runner() *process.Runner {
	return &process.Runner{
		Work: process.WorkFile{Path: a.cfg.Paths.WorkFile},
		Processor: &process.ExecProcessor{
			Command:   a.cfg.Process.Command,
			OutputDir: a.cfg.Paths.ResultsDir,
			Timeout:   a.cfg.Process.Timeout,
			Logger:    a.logger,
		},
		Logger: a.logger,
		Pause:  jobPause,
		OnItem: func(item jobs.WorkItem, status process.Status, err error) {
			id := item.BVID()
			if id == "" {
				id = item.Raw
			}
			if lerr := a.ledger.RecordProcess(context.Background(), id, string(status), err); lerr != nil {
				a.logger.Warn("record process", slog.String("error", lerr.Error()))
			}
		},
	}
}

func (a *app) run(ctx context.Context) error {
	if len(a.cfg.Process.Command) == 0 {
		return fmt.Errorf("process.command is not configured")
	}
	repo, tx, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	r := a.runner()

	var total process.Summary
	add := func(s process.Summary) {
		total.Done += s.Done
		total.Skipped += s.Skipped
		total.Failed += s.Failed
	}

	if n, err := r.Work.Pending(); err != nil {
		return err
	} else if n > 0 {
		a.progress.Info("resuming %d job(s) left in %s", n, r.Work.Path)
		sum, err := r.Drain(ctx)
		add(sum)
		if err != nil {
			return err
		}
	}

	for cycle := 1; cycle <= a.cfg.Select.MaxCycles; cycle++ {
		item, ok, err := a.take(ctx, repo, tx)
		if err != nil {
			return err
		}
		if !ok {
			a.progress.Step("queue has no eligible job")
			break
		}
		a.progress.Step("cycle %d/%d: took %s", cycle, a.cfg.Select.MaxCycles, describe(item))

		start := time.Now()
		sum, err := r.Drain(ctx)
		add(sum)
		if err != nil {
			return err
		}
		a.progress.StepTimed(time.Since(start), "cycle %d processed", cycle)
	}

	if total.Failed > 0 {
		a.progress.Warn("processed %d, skipped %d, failed %d", total.Done, total.Skipped, total.Failed)
	} else {
		a.progress.Step("processed %d, skipped %d", total.Done, total.Skipped)
	}
	return a.pushResults(ctx, repo, tx)
}
