package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"sttq/pkg/jobs"
	"sttq/pkg/queue"
)

type enqueueOptions struct {
	as   string
	keep bool
}

// newEnqueueCmd creates the "sttq enqueue" subcommand.
func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var eo enqueueOptions

	cmd := &cobra.Command{
		Use:   "enqueue [file]",
		Short: "Publish a job list into the shared queue",
		Long: "Copies a job list into to_stt/ and publishes it. Without an argument the\n" +
			"last file (by name) in paths.new_list_dir is used. After a successful\n" +
			"publish the list is moved to paths.archive_list_dir unless --keep is set.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			src := ""
			if len(args) == 1 {
				src = args[0]
			} else {
				src, err = newestList(a.cfg.Paths.NewListDir)
				if err != nil {
					return err
				}
			}

			repo, tx, err := a.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			return a.enqueue(cmd.Context(), repo, tx, src, eo)
		},
	}

	cmd.Flags().StringVar(&eo.as, "as", "", "file name inside to_stt/ (default: the source file name)")
	cmd.Flags().BoolVar(&eo.keep, "keep", false, "leave the source file in place after publishing")
	return cmd
}

// newestList returns the last job list of dir in name order.
func newestList(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("no file given and paths.new_list_dir is not set")
	}
	files, err := jobs.VisibleFiles(dir)
	if err != nil {
		return "", err
	}
	for i := len(files) - 1; i >= 0; i-- {
		if jobs.IsListFile(files[i]) {
			return files[i], nil
		}
	}
	return "", fmt.Errorf("no job lists in %s", dir)
}

// enqueue publishes src into the inbox, then archives it.
func (a *app) enqueue(ctx context.Context, repo *queue.Repository, tx *queue.Transactor, src string, eo enqueueOptions) error {
	name := eo.as
	if name == "" {
		name = filepath.Base(src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read job list: %w", err)
	}
	if err := a.publishList(ctx, repo, tx, name, data); err != nil {
		return err
	}

	if eo.keep || a.cfg.Paths.ArchiveListDir == "" {
		return nil
	}
	dest := filepath.Join(a.cfg.Paths.ArchiveListDir, filepath.Base(src))
	if err := moveFile(src, dest); err != nil {
		return fmt.Errorf("archive job list: %w", err)
	}
	a.logger.Info("job list archived", slog.String("file", dest))
	return nil
}

// publishList writes data as to_stt/<name> and publishes it.
func (a *app) publishList(ctx context.Context, repo *queue.Repository, tx *queue.Transactor, name string, data []byte) error {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid queue file name %q", name)
	}
	lines := jobs.CountLines(data)
	if lines == 0 {
		return fmt.Errorf("job list %s is empty", name)
	}

	action := func(context.Context) (string, error) {
		if _, err := repo.EnsureLayout(); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(repo.Inbox(), name), data, 0o644); err != nil {
			return "", fmt.Errorf("copy %s into queue: %w", name, err)
		}
		return fmt.Sprintf("add %s, %d lines", name, lines), nil
	}

	res, err := a.transact(ctx, tx, action, nil)
	if err != nil {
		return err
	}
	if res.Published {
		a.progress.Step("queued %s (%d lines)", name, lines)
	} else {
		a.progress.Step("%s already queued with the same content", name)
	}
	return nil
}

// moveFile renames src to dest, copying across file systems when needed.
func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
