package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/patrickspencer/scripttrack/internal/store"
)

const outputColumnWidth = 60

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func dayDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

func newListCommand(a *app) *cobra.Command {
	var (
		status string
		limit  int
		oldest bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List run records, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			opts := store.ListOpts{Status: store.Status(status), Limit: limit}
			if oldest {
				opts.Order = store.OrderOldestFirst
			}
			records, err := st.List(ctx, opts)
			if err != nil {
				return err
			}

			now := time.Now()
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "IDENTIFIER\tSTATUS\tSTARTED\tDURATION\tOUTPUT")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					rec.Identifier,
					displayStatus(rec, now, a.cfg.StaleAfter.Std()),
					rec.StartedAt.Local().Format(time.DateTime),
					rec.FormattedDuration(),
					summarize(rec.Output),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show records with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show (0 for all)")
	cmd.Flags().BoolVar(&oldest, "oldest", false, "oldest first")
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <identifier>",
		Short: "Show one run record with its full output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.Get(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			now := time.Now()
			w := newTable(out)
			fmt.Fprintf(w, "Identifier:\t%s\n", rec.Identifier)
			fmt.Fprintf(w, "Run ID:\t%s\n", rec.ID)
			fmt.Fprintf(w, "Status:\t%s\n", displayStatus(rec, now, a.cfg.StaleAfter.Std()))
			fmt.Fprintf(w, "Started:\t%s\n", rec.StartedAt.Local().Format(time.DateTime))
			fmt.Fprintf(w, "Duration:\t%s\n", rec.FormattedDuration())
			fmt.Fprintf(w, "Timeout:\t%s\n", rec.EffectiveTimeout())
			if err := w.Flush(); err != nil {
				return err
			}
			if rec.Output != "" {
				fmt.Fprintf(out, "\n%s\n", strings.TrimRight(rec.Output, "\n"))
			}

			logs := a.outputLogs()
			if logs == nil {
				return nil
			}
			captured, err := logs.Read(rec.Identifier, rec.ID)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			printStream(out, "stdout", captured.StdoutPath, captured.Stdout)
			printStream(out, "stderr", captured.StderrPath, captured.Stderr)
			return nil
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(ctx)
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintf(w, "Total:\t%d\n", stats.Total)
			fmt.Fprintf(w, "Running:\t%d\n", stats.Running)
			fmt.Fprintf(w, "Succeeded:\t%d\n", stats.Succeeded)
			fmt.Fprintf(w, "Failed:\t%d\n", stats.Failed)
			fmt.Fprintf(w, "Skipped:\t%d\n", stats.Skipped)
			fmt.Fprintf(w, "Completed:\t%d\n", stats.Completed())
			return w.Flush()
		},
	}
}

func displayStatus(rec *store.RunRecord, now time.Time, staleAfter time.Duration) string {
	switch {
	case rec.IsStale(now, staleAfter):
		return "running (stale)"
	case rec.IsTimedOut(now):
		return "running (timed out)"
	default:
		return string(rec.Status)
	}
}

// summarize returns the first line of output, shortened for a table cell.
func summarize(output string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	if len(line) > outputColumnWidth {
		return line[:outputColumnWidth-3] + "..."
	}
	return line
}

func printStream(w io.Writer, name, path, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(w, "\n--- %s (%s)\n%s\n", name, path, strings.TrimRight(body, "\n"))
}
