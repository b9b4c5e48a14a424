package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sttq/internal/version"
	"sttq/pkg/config"
	"sttq/pkg/ledger"
	"sttq/pkg/telemetry"
)

// globalBindings maps persistent flags to config keys.
var globalBindings = map[string]string{ //nolint:gochecknoglobals // static table
	"log_level": "log-level",
	"queue.dir": "queue-dir",
	"host_id":   "host-id",
}

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	cfgFile string
}

// newRootCmd creates the root sttq command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sttq",
		Short: "Git-backed job queue and multi-provider AI dispatcher",
		Long: "sttq moves jobs between hosts through a shared git repository and\n" +
			"fans text work out across several AI provider accounts.",
		Version:       fmt.Sprintf("sttq %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", "", "config file (default ./sttq.yaml, then $HOME/.sttq/sttq.yaml)")
	pf.String("log-level", "", "log level: debug | info | warn | error")
	pf.String("queue-dir", "", "working copy of the queue repository")
	pf.String("host-id", "", "host name prefixed to every commit message")

	cmd.AddCommand(
		newInitCmd(opts),
		newEnqueueCmd(opts),
		newWatchCmd(opts),
		newTakeCmd(opts),
		newRunCmd(opts),
		newPushResultsCmd(opts),
		newCollectCmd(opts),
		newMissingCmd(opts),
		newSummarizeCmd(opts),
		newProvidersCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// app is the per-invocation state built from the merged configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	progress *progressLog
	ledger   *ledger.Ledger
}

// setup loads the configuration (flag > env > file > default), builds the
// logger and opens the run ledger. bindings maps extra config keys to flags
// of cmd.
func (o *rootOptions) setup(cmd *cobra.Command, bindings map[string]string) (*app, error) {
	v := config.NewViper(o.cfgFile)
	if err := bindFlags(v, cmd.Flags(), globalBindings); err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Flags(), bindings); err != nil {
		return nil, err
	}

	used, err := config.ReadFile(v)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	stderr := cmd.ErrOrStderr()
	logger := newLogger(stderr, cfg.LogLevel, isTerminal(stderr))
	if used != "" {
		logger.Debug("config loaded", slog.String("file", used))
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		progress: newProgressLog(cmd.OutOrStdout(), isTerminal(cmd.OutOrStdout())),
	}

	if cfg.MetricsAddr != "" {
		telemetry.StartMetricsServer(cmd.Context(), cfg.MetricsAddr, logger)
	}

	if cfg.Paths.LedgerDB != "" {
		l, err := ledger.Open(cmd.Context(), cfg.Paths.LedgerDB, "")
		if err != nil {
			logger.Warn("run ledger unavailable, continuing without it",
				slog.String("path", cfg.Paths.LedgerDB),
				slog.String("error", err.Error()))
		} else {
			a.ledger = l
			a.logger = logger.With(slog.String("run", l.RunID()))
		}
	}
	return a, nil
}

// Close releases the ledger.
func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("close ledger", slog.String("error", err.Error()))
	}
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s to %s: %w", name, key, err)
		}
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
