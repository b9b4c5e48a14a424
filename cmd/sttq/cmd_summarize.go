package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"sttq/pkg/dispatch"
	"sttq/pkg/provider"
	"sttq/pkg/summarize"
)

// newSummarizeCmd creates the "sttq summarize" subcommand.
func newSummarizeCmd(opts *rootOptions) *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "summarize [dir]",
		Short: "Add AI summaries to Markdown transcripts",
		Long: "Finds every Markdown document under dir (default summarize.dir) that has a\n" +
			"transcript section but no summary, spreads the documents across all\n" +
			"configured providers and inserts each summary before the transcript.\n" +
			"With --fix, summaries that recorded a provider error are redone too.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			dir := a.cfg.Summarize.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			return a.summarize(cmd.Context(), dir, fix)
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "also redo summaries containing a provider error marker")
	return cmd
}

func (a *app) summarize(ctx context.Context, dir string, fix bool) error {
	if err := a.cfg.RequireProviders(); err != nil {
		return err
	}
	sc := a.cfg.Summarize
	sopts := summarize.Options{
		SummaryHeading:    sc.SummaryHeading,
		TranscriptHeading: sc.TranscriptHeading,
		Credit:            sc.Credit,
		UserPrompt:        sc.UserPrompt,
		Logger:            a.logger,
	}
	if fix {
		sopts.FixMarkers = dispatch.DefaultErrorMarkers
	}
	s, err := summarize.New(sopts)
	if err != nil {
		return err
	}

	scan, err := s.Scan(dir)
	if err != nil {
		return err
	}
	a.progress.Step("scanned %s: %d summarized, %d missing a summary, %d without transcript",
		dir, scan.Summarized, len(scan.Pending), len(scan.NoTranscript))
	if scan.Invalid > 0 {
		a.progress.Info("%d summaries carry a provider error", scan.Invalid)
	}
	if len(scan.Pending) == 0 {
		return nil
	}

	gate, closeGate := a.rateGate(ctx)
	defer closeGate()

	pool, err := dispatch.NewPool(a.cfg.ProviderConfigs(), provider.Connector(ctx),
		dispatch.WithGate(gate),
		dispatch.WithLogger(a.logger),
		dispatch.WithPrompt(sc.SystemPrompt),
		dispatch.WithResultHandler(func(r dispatch.TaskResult) {
			s.Handle(r)
			if err := a.ledger.RecordTask(context.WithoutCancel(ctx), r); err != nil {
				a.logger.Warn("record task", slog.String("error", err.Error()))
			}
		}),
		dispatch.WithRetireHandler(func(r dispatch.Retirement) {
			if err := a.ledger.RecordRetirement(context.WithoutCancel(ctx), r); err != nil {
				a.logger.Warn("record retirement", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return err
	}

	start := time.Now()
	stop := a.progress.StartSpinner(fmt.Sprintf("summarizing %d documents with %d providers", len(scan.Pending), pool.Size()))
	pool.Start(ctx)
	for _, doc := range scan.Pending {
		task, err := s.Task(doc)
		if err != nil {
			a.logger.Error("skip document", slog.String("file", doc.Path), slog.String("error", err.Error()))
			continue
		}
		if err := pool.Submit(ctx, task); err != nil {
			if !errors.Is(err, context.Canceled) {
				a.logger.Error("submit", slog.String("file", doc.Path), slog.String("error", err.Error()))
			}
			break
		}
	}
	report := pool.Drain(ctx)
	stop()

	written, failed := s.Results()
	a.progress.StepTimed(time.Since(start), "%d summaries written", len(written))
	for _, r := range report.Retired {
		a.progress.Warn("retired %s: %s", r.Provider, r.Reason)
	}
	if len(failed) > 0 {
		a.progress.Warn("%d documents left without a summary:", len(failed))
		for _, f := range failed {
			a.progress.Info("%s", f)
		}
	}
	return ctx.Err()
}

// rateGate returns the shared Redis gate when rate_gate.redis_addr is set
// and reachable, the in-process gate otherwise.
func (a *app) rateGate(ctx context.Context) (dispatch.Gate, func()) {
	rc := a.cfg.RateGate
	if rc.RedisAddr == "" {
		return dispatch.NewMemoryGate(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: rc.RedisAddr, DB: rc.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		a.logger.Warn("redis rate gate unreachable, using the in-process gate",
			slog.String("addr", rc.RedisAddr), slog.String("error", err.Error()))
		return dispatch.NewMemoryGate(), func() {}
	}
	a.logger.Debug("using redis rate gate", slog.String("addr", rc.RedisAddr))
	return dispatch.NewRedisGate(client), func() { _ = client.Close() }
}
