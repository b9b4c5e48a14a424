package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sttq/pkg/ledger"
)

type historyOptions struct {
	tail      int
	format    string
	eventType string
	run       string
}

// newHistoryCmd creates the "sttq history" subcommand.
func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var ho historyOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent events from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Paths.LedgerDB == "" {
				return fmt.Errorf("paths.ledger_db is not set")
			}
			events, err := ledger.ReadHistory(cmd.Context(), a.cfg.Paths.LedgerDB, ledger.QueryOpts{
				RunID: ho.run,
				Type:  ho.eventType,
				Limit: ho.tail,
			})
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), events, ho.format, a.progress.theme)
		},
	}

	cmd.Flags().IntVar(&ho.tail, "tail", 20, "number of recent events to show (0 = all)")
	cmd.Flags().StringVar(&ho.format, "format", "text", "output format: text | json | yaml | toml")
	cmd.Flags().StringVar(&ho.eventType, "type", "", "only events of this type (transaction, task, retire, process)")
	cmd.Flags().StringVar(&ho.run, "run", "", "only events of this run id")
	return cmd
}

type historyDoc struct {
	Events []ledger.Event `json:"events" yaml:"events" toml:"events"`
}

func writeHistory(w io.Writer, events []ledger.Event, format string, th theme) error {
	doc := historyDoc{Events: events}
	if doc.Events == nil {
		doc.Events = []ledger.Event{}
	}

	switch format {
	case "text":
		writeHistoryText(w, events, th)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(doc)
	default:
		return fmt.Errorf("unknown format %q (want text, json, yaml or toml)", format)
	}
}

func writeHistoryText(w io.Writer, events []ledger.Event, th theme) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return
	}
	typeStyle := th.header.Width(12)
	sourceStyle := lipgloss.NewStyle().Width(16)
	for _, e := range events {
		line := strings.Join([]string{
			th.muted.Render(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			typeStyle.Render(e.Type),
			sourceStyle.Render(e.Source),
			e.Subject,
		}, " ")
		if e.Payload != "" {
			line += " " + th.muted.Render(e.Payload)
		}
		fmt.Fprintln(w, line)
	}
}
