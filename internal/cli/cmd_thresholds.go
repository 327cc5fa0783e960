package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/ashureev/leetcoach/internal/config"
	"github.com/ashureev/leetcoach/internal/stuck"
	"github.com/spf13/cobra"
)

func newThresholdsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Manage the engine thresholds file",
	}
	cmd.AddCommand(newThresholdsInitCmd(), newThresholdsValidateCmd())
	return cmd
}

func newThresholdsInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a thresholds file with the default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			data, err := config.MarshalEngine(stuck.DefaultConfig())
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write thresholds: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newThresholdsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Check a thresholds file and print the effective values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%s does not exist", path)
			}
			cfg, err := config.LoadEngine(path)
			if err != nil {
				return err
			}
			data, err := config.MarshalEngine(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid; effective configuration:\n", path)
			_, err = out.Write(data)
			return err
		},
	}
}
