package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/patrickspencer/scripttrack/internal/scheduler"
)

func newSweepCommand(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail stale running records and prune output logs",
		Long: `Mark records that have been running longer than stale_after as failed
and apply output log retention. With --watch, keep running and sweep on
sweep_schedule until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			sweeper := scheduler.NewSweeper(st, a.outputLogs(), a.cfg.StaleAfter.Std(), a.logger)
			if !watch {
				res, err := sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d stale scripts as failed, removed %d log files.\n",
					res.StaleFailed, res.LogsRemoved)
				return nil
			}

			schedule, err := scheduler.ParseSchedule(a.cfg.SweepSchedule)
			if err != nil {
				return err
			}
			sched := scheduler.New(a.logger)
			for _, task := range sweeper.Tasks(schedule) {
				if err := sched.Add(task); err != nil {
					return err
				}
			}
			a.logger.Infow("sweeper started", "schedule", a.cfg.SweepSchedule, "stale_after", a.cfg.StaleAfter.Std())
			if err := sched.Run(ctx); ctx.Err() == nil {
				return err
			}
			a.logger.Infow("sweeper stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on sweep_schedule")
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the run record schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s).\n", st.Dialect())
			return nil
		},
	}
}

func newResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <identifier>",
		Short: "Delete the run record of a script so it can run again",
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
			if rec.Running() && !rec.IsStale(time.Now(), a.cfg.StaleAfter.Std()) {
				return errors.Newf("script %s is still running", rec.Identifier)
			}
			if err := st.Delete(ctx, rec.Identifier); err != nil {
				return err
			}
			a.logger.Infow("run record removed", "identifier", rec.Identifier, "status", rec.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s (was %s).\n", rec.Identifier, rec.Status)
			return nil
		},
	}
}
