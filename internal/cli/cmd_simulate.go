package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/leetcoach/internal/config"
	"github.com/ashureev/leetcoach/internal/oracle"
	"github.com/ashureev/leetcoach/internal/stuck"
	"github.com/spf13/cobra"
)

type simulateOpts struct {
	thresholds string
	jsonOut    bool
	oracleMode string
	oracleURL  string
	oracleAddr string
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOpts
	cmd := &cobra.Command{
		Use:   "simulate <script.yaml>",
		Short: "Replay a scripted page session and print the offers it produces",
		Long: `Replay a scripted page session against the engine on a fake clock.

A script lists inbound events at offsets from the start of the session:

  name: idle learner
  until: 5m
  steps:
    - {at: 0s, action: start}
    - {at: 10s, action: code, code: "def two_sum(nums, target):"}
    - {at: 20s, action: activity, kind: key}
    - {at: 2m, action: test_result, outcome: failed}

Actions: start, stop, pause, resume, visibility (hidden), activity (kind),
code (code, language), page (url), result_text (text), test_result (outcome,
text), dismiss, new_attempt, preferences (preferences).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.thresholds, "thresholds", "", "thresholds file (defaults when empty)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the result as JSON")
	cmd.Flags().StringVar(&opts.oracleMode, "oracle-mode", "none", "assistance oracle: none, http or grpc")
	cmd.Flags().StringVar(&opts.oracleURL, "oracle-url", "", "base URL of the HTTP oracle")
	cmd.Flags().StringVar(&opts.oracleAddr, "oracle-addr", "", "host:port of the gRPC oracle")
	return cmd
}

func runSimulate(stdout, stderr io.Writer, path string, opts simulateOpts) error {
	logger := newLogger(stderr)

	script, err := LoadScript(path)
	if err != nil {
		return err
	}
	cfg, err := config.LoadEngine(opts.thresholds)
	if err != nil {
		return err
	}

	mode, err := oracle.ParseMode(opts.oracleMode)
	if err != nil {
		return err
	}
	client, err := oracle.New(oracle.Config{
		Mode:    mode,
		URL:     opts.oracleURL,
		Addr:    opts.oracleAddr,
		Timeout: cfg.OracleTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect oracle: %w", err)
	}
	var assessor stuck.Oracle
	if client != nil {
		defer func() { _ = client.Close() }()
		assessor = client
	}

	res, err := Simulate(script, cfg, assessor, logger)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(stdout, script, res)
	return nil
}

func printResult(w io.Writer, script *Script, res *Result) {
	if script.Name != "" {
		fmt.Fprintf(w, "%s\n", script.Name)
	}
	if len(res.Offers) == 0 {
		fmt.Fprintln(w, "no offers")
	}
	for _, o := range res.Offers {
		line := fmt.Sprintf("%8s  %-28s trigger=%s", o.Offset.Round(time.Second), o.Event.Kind, o.Event.Trigger)
		if o.Event.Source != stuck.SourceNone {
			line += " source=" + string(o.Event.Source)
		}
		fmt.Fprintln(w, line)
	}
	c := res.Counters
	fmt.Fprintf(w, "ended %s in state %s (no_code_change=%d no_scroll=%d no_click=%d errors=%d)\n",
		res.Duration, res.State, c.NoCodeChange, c.NoScroll, c.NoClick, c.Errors)
}
