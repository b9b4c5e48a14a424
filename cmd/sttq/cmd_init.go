package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sttq/pkg/config"
)

const defaultConfigFile = "sttq.yaml"

// newInitCmd creates the "sttq init" subcommand.
func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: "Writes the default configuration with a sample provider.\n" +
			"The file goes to --config when given, otherwise to ./sttq.yaml.\n" +
			"Fails if the file already exists unless --force is passed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := opts.cfgFile
			if dest == "" {
				dest = defaultConfigFile
			}
			if err := writeDefaultConfig(dest, force); err != nil {
				return err
			}
			newProgressLog(cmd.OutOrStdout(), false).Step("wrote %s", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func writeDefaultConfig(dest string, force bool) error {
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}
	data, err := config.Render(config.Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
