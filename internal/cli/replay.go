package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/timeledger/internal/replay"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Subject string
	Resolve bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild sessions from the event log and compare with the ledger",
		Long: `Re-apply every stored event, in arrival order, to an empty in-memory
ledger and compare the derived sessions with the persisted ones.

Sessions are compared by key, interval, state, close reason, anomaly and
merge status; ids are not compared.

Exit codes:
  0 - Both ledgers hold the same sessions
  1 - Divergences found
  2 - Command error (store unavailable, etc.)

Examples:
  timeledger replay
  timeledger replay --subject alice --resolve --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "replay one subject only")
	cmd.Flags().BoolVar(&opts.Resolve, "resolve", false, "run a resolver pass on the rebuilt ledger before comparing")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr(), cfg)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.Close()

	report, _, err := replay.Rebuild(ctx, st, replay.Options{
		Policy:         cfg.Policy(),
		MergeThreshold: cfg.MergeThreshold,
		MergeLookback:  cfg.MergeLookback,
		Resolve:        opts.Resolve,
		SubjectID:      opts.Subject,
		Logger:         logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "replay", err)
	}

	text := func(w io.Writer) error {
		fmt.Fprintf(w, "events\t%d\n", report.Events)
		fmt.Fprintf(w, "duplicates\t%d\n", report.Duplicates)
		fmt.Fprintf(w, "anomalies\t%d\n", report.Anomalies)
		fmt.Fprintf(w, "persisted sessions\t%d\n", report.Persisted)
		fmt.Fprintf(w, "rebuilt sessions\t%d\n", report.Rebuilt)
		for _, d := range report.Divergences {
			s := d.Session
			end := "-"
			if s.EndedAt != nil {
				end = s.EndedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Kind, s.Key(), s.State, s.StartedAt.UTC().Format(time.RFC3339), end)
		}
		if report.Consistent() {
			fmt.Fprintln(w, "ledger consistent with event log")
		}
		return nil
	}

	out := opts.formatter(cmd)
	if !report.Consistent() {
		msg := fmt.Sprintf("%d session(s) diverge", len(report.Divergences))
		if err := out.Failure("E_DIVERGENCE", msg, report, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}
	return out.Success(report, text)
}
