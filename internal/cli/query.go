package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/timeledger/internal/ir"
)

// QueryOptions holds the window flags shared by sessions and report.
type QueryOptions struct {
	*RootOptions
	From     string
	To       string
	Category string
}

func (o *QueryOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.From, "from", "", "window start, RFC3339 or YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&o.To, "to", "", "window end, exclusive (default: from plus one day)")
	cmd.Flags().StringVar(&o.Category, "category", "ATTENDANCE", "ATTENDANCE or UTILIZATION")
}

// window resolves --from and --to in loc.
func (o *QueryOptions) window(loc *time.Location, now time.Time) (time.Time, time.Time, error) {
	from, err := parseWhen(o.From, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
	}
	if from.IsZero() {
		y, m, d := now.In(loc).Date()
		from = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	to, err := parseWhen(o.To, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
	}
	if to.IsZero() {
		to = from.AddDate(0, 0, 1)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}
	return from, to, nil
}

func parseWhen(v string, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, v, loc)
}

// SessionsOptions holds flags for the sessions command.
type SessionsOptions struct {
	QueryOptions
	States []string
	Origin string
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{QueryOptions: QueryOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "sessions <subject>",
		Short: "List a subject's sessions overlapping a window",
		Example: `  timeledger sessions alice --from 2026-10-12
  timeledger sessions press-7 --category UTILIZATION --state OPEN --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(opts, args[0], cmd)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "filter by state (repeatable)")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "filter by origin")

	return cmd
}

func runSessions(opts *SessionsOptions, subject string, cmd *cobra.Command) error {
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

	category, err := ir.ParseCategory(opts.Category)
	if err != nil {
		return WrapExitError(ExitCommandError, "--category", err)
	}
	from, to, err := opts.window(a.tracker.Settings().Location, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "window", err)
	}
	filter := ir.SessionFilter{SubjectID: subject, Category: category, OriginID: opts.Origin, From: from, To: to}
	for _, s := range opts.States {
		st, err := ir.ParseSessionState(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "--state", err)
		}
		filter.States = append(filter.States, st)
	}

	sessions, err := a.tracker.ListSessions(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "list sessions", err)
	}

	loc := a.tracker.Settings().Location
	return opts.formatter(cmd).Success(sessions, func(w io.Writer) error {
		if len(sessions) == 0 {
			fmt.Fprintln(w, "No sessions.")
			return nil
		}
		fmt.Fprintln(w, "ID\tORIGIN\tSTATE\tSTART\tEND\tDURATION\tREASON")
		for _, s := range sessions {
			end, dur := "-", "-"
			if s.EndedAt != nil {
				end = s.EndedAt.In(loc).Format(time.DateTime)
				dur = s.Duration().String()
			}
			reason := string(s.CloseReason)
			if s.Anomaly != "" {
				reason = string(s.Anomaly)
			}
			if s.MergedInto != "" {
				reason += " -> " + s.MergedInto
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.OriginID, s.State, s.StartedAt.In(loc).Format(time.DateTime), end, dur, reason)
		}
		return nil
	})
}

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	QueryOptions
	Granularity string
	TimeLog     bool
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{QueryOptions: QueryOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "report <subject>",
		Short: "Show per-period totals or the daily time log",
		Long: `Show a subject's aggregate buckets for each day or week in the window.

With --timelog, print the attendance log instead: one row per day and
origin with first login, last logout and active hours.`,
		Example: `  timeledger report alice --from 2026-10-05 --to 2026-10-12
  timeledger report alice --granularity week --from 2026-10-05 --to 2026-11-02
  timeledger report alice --timelog --from 2026-10-01 --to 2026-11-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, args[0], cmd)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Granularity, "granularity", "day", "day or week")
	cmd.Flags().BoolVar(&opts.TimeLog, "timelog", false, "print the daily attendance log")

	return cmd
}

func runReport(opts *ReportOptions, subject string, cmd *cobra.Command) error {
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

	from, to, err := opts.window(a.tracker.Settings().Location, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "window", err)
	}
	out := opts.formatter(cmd)

	if opts.TimeLog {
		entries, err := a.tracker.DailyLog(ctx, subject, from, to)
		if err != nil {
			return WrapExitError(ExitCommandError, "daily log", err)
		}
		return out.Success(entries, func(w io.Writer) error {
			fmt.Fprintln(w, "DATE\tORIGIN\tLOGIN\tLOGOUT\tHOURS\tSESSIONS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d\n",
					e.Date, e.OriginID, orDash(e.LoginTime), orDash(e.LogoutTime), e.ActiveHours, e.Sessions)
			}
			return nil
		})
	}

	category, err := ir.ParseCategory(opts.Category)
	if err != nil {
		return WrapExitError(ExitCommandError, "--category", err)
	}
	g, err := ir.ParseGranularity(opts.Granularity)
	if err != nil {
		return WrapExitError(ExitCommandError, "--granularity", err)
	}
	buckets, err := a.tracker.Query(ctx, subject, category, ir.PeriodRange{From: from, To: to, Granularity: g})
	if err != nil {
		return WrapExitError(ExitCommandError, "query", err)
	}

	return out.Success(buckets, func(w io.Writer) error {
		fmt.Fprintln(w, "PERIOD\tTOTAL\tSESSIONS\tANOMALIES")
		var total time.Duration
		for _, b := range buckets {
			total += b.TotalDuration
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", b.PeriodKey, b.TotalDuration, b.SessionCount, b.AnomalyCount)
		}
		fmt.Fprintf(w, "total\t%s\t\t\n", total)
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
