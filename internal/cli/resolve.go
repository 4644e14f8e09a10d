package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Recover string
}

// ResolveResult is the resolve command result.
type ResolveResult struct {
	Recovered int `json:"recovered"`
	Closed    int `json:"closed"`
	Merged    int `json:"merged"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Run one resolver pass",
		Long: `Close sessions idle past their threshold and merge near-adjacent ones.

With --recover, first close every OPEN session whose last activity is
before the given instant with SYSTEM_RECOVERY. Use it after a crash when
the service will not be restarted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Recover, "recover", "", "recovery boundary, RFC3339 or \"now\"")

	return cmd
}

func runResolve(opts *ResolveOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, opts.logger(cmd.ErrOrStderr(), cfg), nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "open tracker", err)
	}
	defer a.Close()

	var total ResolveResult
	if opts.Recover != "" {
		boundary := time.Now()
		if opts.Recover != "now" {
			boundary, err = time.Parse(time.RFC3339, opts.Recover)
			if err != nil {
				return WrapExitError(ExitCommandError, "--recover", err)
			}
		}
		stats, err := a.tracker.Recover(ctx, boundary)
		if err != nil {
			return WrapExitError(ExitCommandError, "recover", err)
		}
		total.Recovered = stats.Recovered
	}

	stats, err := a.tracker.Resolve(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve", err)
	}
	total.Closed, total.Merged = stats.Closed, stats.Merged

	return opts.formatter(cmd).Success(total, func(w io.Writer) error {
		if opts.Recover != "" {
			fmt.Fprintf(w, "recovered\t%d\n", total.Recovered)
		}
		fmt.Fprintf(w, "closed\t%d\n", total.Closed)
		fmt.Fprintf(w, "merged\t%d\n", total.Merged)
		return nil
	})
}
