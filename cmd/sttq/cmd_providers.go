package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"sttq/pkg/provider"
)

// newProvidersCmd creates the "sttq providers" command group.
func newProvidersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect the configured AI providers",
	}
	cmd.AddCommand(newProvidersCheckCmd(opts))
	return cmd
}

func newProvidersCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe every provider concurrently",
		Long: "Asks every configured provider, disabled ones included, to reply OK and\n" +
			"reports which accounts are usable. Exits non-zero when none is.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			configs := a.cfg.ProviderConfigs()
			if len(configs) == 0 {
				return a.cfg.RequireProviders()
			}
			stop := a.progress.StartSpinner(fmt.Sprintf("probing %d providers", len(configs)))
			results := provider.ProbeAll(cmd.Context(), configs, provider.Connector(cmd.Context()))
			stop()

			available := renderProbeResults(cmd.OutOrStdout(), a.progress.theme, results)
			if available == 0 {
				return fmt.Errorf("no provider is available")
			}
			return nil
		},
	}
}

// renderProbeResults prints one line per provider and returns how many are
// available.
func renderProbeResults(w io.Writer, th theme, results []provider.ProbeResult) int {
	nameWidth := 0
	for _, r := range results {
		nameWidth = max(nameWidth, lipgloss.Width(r.Provider))
	}
	name := lipgloss.NewStyle().Width(nameWidth + 2)

	available := 0
	for _, r := range results {
		latency := th.muted.Render(r.Latency.Round(time.Millisecond).String())
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%s %s%s %s\n", th.fail.Render("✗"), name.Render(r.Provider), th.fail.Render(r.Err.Error()), latency)
		case r.Reply != "":
			available++
			fmt.Fprintf(w, "%s %s%s %s\n", th.warn.Render("!"), name.Render(r.Provider), "answered "+fmt.Sprintf("%q", r.Reply), latency)
		default:
			available++
			fmt.Fprintf(w, "%s %s%s %s\n", th.ok.Render("✓"), name.Render(r.Provider), "OK", latency)
		}
	}
	fmt.Fprintf(w, "%s\n", th.header.Render(fmt.Sprintf("%d/%d providers available", available, len(results))))
	return available
}
