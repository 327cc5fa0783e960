// Package cli provides the cobra command tree of coachctl.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// GlobalOpts holds global options parsed before subcommand dispatch.
type GlobalOpts struct {
	Verbose bool
}

var globalOpts GlobalOpts

// NewRootCmd creates the root cobra command for coachctl.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coachctl",
		Short: "Tools for the LeetCoach stuck-detection engine",
		Long: `coachctl - tools for the LeetCoach stuck-detection engine

Replay scripted page sessions against the engine on a fake clock, manage the
thresholds file the server hot-reloads, and run a local assistance oracle.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().BoolVar(&globalOpts.Verbose, "verbose", false, "log engine decisions to stderr")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newSimulateCmd(),
		newThresholdsCmd(),
		newOracleStubCmd(),
	)
	return rootCmd
}

// Execute runs the root command with the given output writers.
func Execute(stdout, stderr io.Writer) error {
	rootCmd := NewRootCmd()
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	return rootCmd.Execute()
}

// newLogger logs JSON to w; quiet unless --verbose.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if globalOpts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
