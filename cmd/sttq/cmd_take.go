package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"sttq/pkg/jobs"
	"sttq/pkg/process"
	"sttq/pkg/queue"
)

var selectBindings = map[string]string{ //nolint:gochecknoglobals // static table
	"select.policy":         "policy",
	"select.duration_limit": "limit",
}

// newTakeCmd creates the "sttq take" subcommand.
func newTakeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Dequeue one job into the local work file",
		Long: "Runs one dequeue transaction: selects a line from to_stt/ with the\n" +
			"configured policy, removes it, publishes the removal and appends the\n" +
			"line to paths.work_file. Exits 0 when nothing is eligible.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd, selectBindings)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, tx, err := a.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			item, ok, err := a.take(cmd.Context(), repo, tx)
			if err != nil {
				return err
			}
			if !ok {
				a.progress.Step("nothing to take")
				return nil
			}
			a.progress.Step("took %s from %s", describe(item), item.File)
			return nil
		},
	}

	addSelectFlags(cmd)
	return cmd
}

func addSelectFlags(cmd *cobra.Command) {
	cmd.Flags().String("policy", "", "selection policy: less_than | better_greater_than")
	cmd.Flags().Float64("limit", 0, "duration limit in seconds")
}

// take runs one dequeue transaction and hands the selected line to the
// work file once the removal is published.
func (a *app) take(ctx context.Context, repo *queue.Repository, tx *queue.Transactor) (jobs.WorkItem, bool, error) {
	policy, err := a.cfg.Policy()
	if err != nil {
		return jobs.WorkItem{}, false, err
	}

	var (
		item  jobs.WorkItem
		found bool
	)
	action := func(context.Context) (string, error) {
		var err error
		item, found, err = jobs.Dequeue(repo.Inbox(), policy)
		if errors.Is(err, jobs.ErrNoJobFiles) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if !found {
			a.logger.Info("no eligible job", slog.String("policy", policy.String()))
			return "", nil
		}
		return fmt.Sprintf("take %s from %s", describe(item), item.File), nil
	}

	res, err := a.transact(ctx, tx, action, nil)
	if err != nil || !found || !res.Published {
		return jobs.WorkItem{}, false, err
	}

	work := process.WorkFile{Path: a.cfg.Paths.WorkFile}
	if err := work.Append(item.Raw); err != nil {
		// The line is already gone from the shared queue; keep it visible.
		a.logger.Error("taken job not recorded locally", slog.String("line", item.Raw), slog.String("error", err.Error()))
		return item, true, fmt.Errorf("record taken job: %w", err)
	}
	return item, true, nil
}

// describe names an item for commit messages and progress lines.
func describe(item jobs.WorkItem) string {
	if id := item.BVID(); id != "" {
		if item.Structured() && item.Job.Title != "" {
			return fmt.Sprintf("%s (%s)", id, item.Job.Title)
		}
		return id
	}
	return item.Raw
}
