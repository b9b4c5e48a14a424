package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sttq/pkg/jobs"
)

const defaultMissingList = "missing_jobs.txt"

type missingOptions struct {
	requeue bool
	as      string
}

// newMissingCmd creates the "sttq missing" subcommand.
func newMissingCmd(opts *rootOptions) *cobra.Command {
	var mo missingOptions

	cmd := &cobra.Command{
		Use:   "missing",
		Short: "Find queued jobs that never produced a result",
		Long: "Compares the ids in paths.new_list_dir and paths.archive_list_dir against\n" +
			"the .text artifacts in paths.save_dir. Ids listed in ignore.txt are left\n" +
			"out. With --requeue the missing normal-status lines are published into\n" +
			"to_stt/ again as one job list.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			p := a.cfg.Paths
			if p.SaveDir == "" {
				return errors.New("paths.save_dir is not set")
			}
			rep, err := jobs.FindMissing([]string{p.NewListDir, p.ArchiveListDir}, p.SaveDir)
			if err != nil {
				return err
			}

			a.progress.Step("checked %d jobs: %d done, %d ignored, %d missing",
				rep.Checked, rep.Done, rep.Ignored, len(rep.Lines))
			if len(rep.Skipped) > 0 {
				a.progress.Info("%d without a result are not processable: %v", len(rep.Skipped), rep.Skipped)
			}
			if len(rep.Lines) == 0 {
				return nil
			}
			if !mo.requeue {
				out := cmd.OutOrStdout()
				for _, line := range rep.Lines {
					fmt.Fprintln(out, line)
				}
				return nil
			}

			repo, tx, err := a.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			return a.publishList(cmd.Context(), repo, tx, mo.as, rep.Render())
		},
	}

	cmd.Flags().BoolVar(&mo.requeue, "requeue", false, "publish the missing lines into to_stt/")
	cmd.Flags().StringVar(&mo.as, "as", defaultMissingList, "file name of the requeued list inside to_stt/")
	return cmd
}
