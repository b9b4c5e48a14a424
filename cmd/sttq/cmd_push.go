package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sttq/pkg/jobs"
	"sttq/pkg/queue"
)

// newPushResultsCmd creates the "sttq push-results" subcommand.
func newPushResultsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push-results",
		Short: "Publish processed artifacts into from_stt/",
		Long: "Copies every file in paths.results_dir into from_stt/, publishes them and\n" +
			"deletes the local copies once the publish succeeded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, tx, err := a.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			return a.pushResults(cmd.Context(), repo, tx)
		},
	}
}

func (a *app) pushResults(ctx context.Context, repo *queue.Repository, tx *queue.Transactor) error {
	var files []string
	action := func(context.Context) (string, error) {
		var err error
		files, err = jobs.VisibleFiles(a.cfg.Paths.ResultsDir)
		if err != nil || len(files) == 0 {
			return "", err
		}
		if _, err := repo.EnsureLayout(); err != nil {
			return "", err
		}
		for _, src := range files {
			if err := copyFile(src, filepath.Join(repo.Outbox(), filepath.Base(src))); err != nil {
				return "", fmt.Errorf("copy result into queue: %w", err)
			}
		}
		return fmt.Sprintf("upload %d result files", len(files)), nil
	}

	res, err := a.transact(ctx, tx, action, nil)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		a.progress.Step("no results to upload")
		return nil
	}

	for _, src := range files {
		if err := os.Remove(src); err != nil {
			a.logger.Warn("remove uploaded result", slog.String("file", src), slog.String("error", err.Error()))
		}
	}
	if res.Published {
		a.progress.Step("uploaded %d result files", len(files))
	} else {
		a.progress.Step("%d result files were already in the queue", len(files))
	}
	return nil
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
