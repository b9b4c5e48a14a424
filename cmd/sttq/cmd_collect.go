package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sttq/pkg/jobs"
	"sttq/pkg/queue"
)

// newCollectCmd creates the "sttq collect" subcommand.
func newCollectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Move published artifacts out of from_stt/",
		Long: "Copies every file in from_stt/ into paths.save_dir, removes it from the\n" +
			"queue and publishes the removal.",
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
			n, err := a.collect(cmd.Context(), repo, tx)
			if err != nil {
				return err
			}
			if n == 0 {
				a.progress.Step("nothing to collect")
			} else {
				a.progress.Step("collected %d files into %s", n, a.cfg.Paths.SaveDir)
			}
			return nil
		},
	}
}

// collect returns the number of files moved out of the queue.
func (a *app) collect(ctx context.Context, repo *queue.Repository, tx *queue.Transactor) (int, error) {
	dest := a.cfg.Paths.SaveDir
	if dest == "" {
		return 0, errors.New("paths.save_dir is not set")
	}

	var n int
	action := func(context.Context) (string, error) {
		files, err := jobs.VisibleFiles(repo.Outbox())
		n = len(files)
		if err != nil || n == 0 {
			return "", err
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return "", fmt.Errorf("create save dir: %w", err)
		}
		// A retried attempt copies the same files again.
		for _, src := range files {
			if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
				return "", fmt.Errorf("save %s: %w", filepath.Base(src), err)
			}
			if err := os.Remove(src); err != nil {
				return "", fmt.Errorf("remove %s from queue: %w", filepath.Base(src), err)
			}
		}
		return fmt.Sprintf("collect %d files into %s", n, dest), nil
	}

	_, err := a.transact(ctx, tx, action, nil)
	return n, err
}
