package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/timeledger/internal/normalize"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	NoSkew  bool
	Resolve bool
}

// IngestLine is the outcome of one input line.
type IngestLine struct {
	Line       int    `json:"line"`
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Transition string `json:"transition,omitempty"`
	Anomaly    string `json:"anomaly,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IngestSummary is the ingest command result.
type IngestSummary struct {
	Lines      []IngestLine `json:"lines"`
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Anomalies  int          `json:"anomalies"`
	Rejected   int          `json:"rejected"`
	Closed     int          `json:"resolver_closed,omitempty"`
	Merged     int          `json:"resolver_merged,omitempty"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <events.jsonl|->",
		Short: "Ingest presence events from a JSON lines file",
		Long: `Ingest presence events, one JSON object per line:

  {"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"}

The file is applied as one batch, ordered by timestamp. Lines that fail
validation are reported and skipped. Use --no-skew to import historical
events outside the clock skew window.

Exit codes:
  0 - Every line was applied
  1 - One or more lines were rejected
  2 - Command error (unreadable file, store unavailable, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoSkew, "no-skew", false, "disable the clock skew check")
	cmd.Flags().BoolVar(&opts.Resolve, "resolve", false, "run a resolver pass after ingesting")

	return cmd
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "open events file", err)
		}
		defer f.Close()
		r = f
	}

	raws, lines, err := readEvents(r)
	if err != nil {
		return WrapExitError(ExitCommandError, "read events", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.NoSkew {
		cfg.SkewWindow = 0
	}
	logger := opts.logger(cmd.ErrOrStderr(), cfg)

	a, err := openApp(ctx, cfg, logger, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "open tracker", err)
	}
	defer a.Close()

	summary := IngestSummary{Lines: make([]IngestLine, 0, len(lines))}
	for _, bad := range lines {
		if bad.Error != "" {
			summary.Lines = append(summary.Lines, bad)
			summary.Rejected++
		}
	}

	results, err := a.tracker.IngestBatch(ctx, raws)
	if err != nil {
		return WrapExitError(ExitCommandError, "apply events", err)
	}
	for i, res := range results {
		line := IngestLine{Line: lineOf(lines, i)}
		if res.Err != nil {
			line.Error = res.Err.Error()
			summary.Rejected++
		} else {
			line.Accepted = true
			line.Duplicate = res.Duplicate
			line.Transition = res.Transition
			line.Anomaly = string(res.Anomaly)
			line.SessionID = res.SessionID
			summary.Accepted++
			if res.Duplicate {
				summary.Duplicates++
			}
			if res.Anomaly != "" {
				summary.Anomalies++
			}
		}
		summary.Lines = append(summary.Lines, line)
	}
	sort.Slice(summary.Lines, func(i, j int) bool { return summary.Lines[i].Line < summary.Lines[j].Line })

	if opts.Resolve {
		stats, err := a.tracker.Resolve(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "resolve", err)
		}
		summary.Closed, summary.Merged = stats.Closed, stats.Merged
	}

	text := func(w io.Writer) error {
		if opts.Verbose || summary.Rejected > 0 {
			for _, l := range summary.Lines {
				switch {
				case l.Error != "":
					fmt.Fprintf(w, "line %d\trejected\t%s\n", l.Line, l.Error)
				case opts.Verbose:
					fmt.Fprintf(w, "line %d\t%s\t%s\t%s\n", l.Line, l.Transition, l.SessionID, l.Anomaly)
				}
			}
		}
		fmt.Fprintf(w, "accepted %d, duplicates %d, anomalies %d, rejected %d\n",
			summary.Accepted, summary.Duplicates, summary.Anomalies, summary.Rejected)
		if opts.Resolve {
			fmt.Fprintf(w, "resolver closed %d, merged %d\n", summary.Closed, summary.Merged)
		}
		return nil
	}

	if summary.Rejected > 0 {
		if err := out.Failure("VALIDATION_ERROR", fmt.Sprintf("%d line(s) rejected", summary.Rejected), summary, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "some events were rejected")
	}
	return out.Success(summary, text)
}

// readEvents decodes JSON lines, skipping blank ones. Every non-blank
// line gets an IngestLine; those that do not decode carry an Error.
func readEvents(r io.Reader) ([]normalize.RawEvent, []IngestLine, error) {
	var (
		raws  []normalize.RawEvent
		lines []IngestLine
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var raw normalize.RawEvent
		if err := json.Unmarshal(b, &raw); err != nil {
			lines = append(lines, IngestLine{Line: n, Error: "decode: " + err.Error()})
			continue
		}
		raws = append(raws, raw)
		lines = append(lines, IngestLine{Line: n})
	}
	return raws, lines, sc.Err()
}

// lineOf returns the input line number of the i-th decoded event.
func lineOf(lines []IngestLine, i int) int {
	for _, l := range lines {
		if l.Error != "" {
			continue
		}
		if i == 0 {
			return l.Line
		}
		i--
	}
	return 0
}
