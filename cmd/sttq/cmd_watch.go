package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"sttq/pkg/jobs"
)

const (
	watchSettle       = 2 * time.Second
	watchPollInterval = 30 * time.Second
)

// newWatchCmd creates the "sttq watch" subcommand.
func newWatchCmd(opts *rootOptions) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Enqueue every job list dropped into paths.new_list_dir",
		Long: "Watches paths.new_list_dir and enqueues each file that appears, as\n" +
			"\"sttq enqueue\" would. Files already present at start are enqueued first.\n" +
			"Falls back to polling when file notifications are unavailable.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			dir := a.cfg.Paths.NewListDir
			if dir == "" {
				return errors.New("paths.new_list_dir is not set")
			}
			repo, tx, err := a.openQueue(cmd.Context())
			if err != nil {
				return err
			}

			w := &listWatcher{
				dir:    dir,
				logger: a.logger,
				handle: func(ctx context.Context, path string) error {
					return a.enqueue(ctx, repo, tx, path, enqueueOptions{keep: keep})
				},
			}
			a.progress.Step("watching %s", dir)
			err = w.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "leave enqueued files in place")
	return cmd
}

// listWatcher hands every settled file of dir to handle, once.
type listWatcher struct {
	dir    string
	logger *slog.Logger
	handle func(ctx context.Context, path string) error
	settle time.Duration
	poll   time.Duration

	done map[string]time.Time // path → mod time already handled
}

// Run blocks until ctx is cancelled.
func (w *listWatcher) Run(ctx context.Context) error {
	if w.settle == 0 {
		w.settle = watchSettle
	}
	if w.poll == 0 {
		w.poll = watchPollInterval
	}
	w.done = make(map[string]time.Time)

	if err := w.scan(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(w.dir); err != nil {
			_ = watcher.Close()
		}
	}
	if err != nil {
		w.logger.Warn("file notifications unavailable, polling",
			slog.String("dir", w.dir),
			slog.Duration("interval", w.poll),
			slog.String("error", err.Error()))
		return w.pollLoop(ctx)
	}
	defer watcher.Close()
	return w.notifyLoop(ctx, watcher)
}

func (w *listWatcher) notifyLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	// Writers may create a file and fill it in several steps; act once the
	// directory has been quiet for the settle period.
	settle := time.NewTimer(w.settle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				settle.Reset(w.settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		case <-settle.C:
			if err := w.scan(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *listWatcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.scan(ctx); err != nil {
				return err
			}
		}
	}
}

// scan handles every visible file not handled yet (or modified since).
// A failing file is logged and retried on the next scan.
func (w *listWatcher) scan(ctx context.Context) error {
	files, err := jobs.VisibleFiles(w.dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if !jobs.IsListFile(path) {
			continue
		}
		mod, err := modTime(path)
		if err != nil {
			continue
		}
		if prev, ok := w.done[path]; ok && prev.Equal(mod) {
			continue
		}
		if err := w.handle(ctx, path); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("enqueue failed", slog.String("file", path), slog.String("error", err.Error()))
			continue
		}
		w.done[path] = mod
	}
	return nil
}

func modTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
