package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/patrickspencer/scripttrack/internal/config"
	"github.com/patrickspencer/scripttrack/internal/harness"
	"github.com/patrickspencer/scripttrack/internal/runner"
	"github.com/patrickspencer/scripttrack/internal/store"
	"github.com/patrickspencer/scripttrack/pkg/script"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		all       bool
		dryRun    bool
		timeout   string
		noTimeout bool
	)

	cmd := &cobra.Command{
		Use:   "run [identifier...]",
		Short: "Run scripts that have not been run yet",
		Long: `Run each named script, or with --all every pending script, through the
harness. Scripts that already have a record are reported and not run again;
use "scripttrack reset" to allow a rerun.

The exit status is 0 only if every script that ran succeeded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("name one or more scripts or pass --all")
			}
			var override time.Duration
			switch {
			case noTimeout && timeout != "":
				return errors.New("--timeout and --no-timeout are mutually exclusive")
			case noTimeout:
				override = harness.NoTimeout
			case timeout != "":
				d, err := config.ParseDuration(timeout)
				if err != nil {
					return errors.Wrap(err, "--timeout")
				}
				override = d
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := script.NewRegistry()
			if _, err := loadScripts(a, reg); err != nil {
				return err
			}

			targets, err := selectTargets(ctx, st, reg, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if dryRun {
				for _, t := range targets {
					fmt.Fprintln(out, t.Name)
				}
				return nil
			}
			if len(targets) == 0 {
				fmt.Fprintln(out, "Nothing to run.")
				return nil
			}

			h, err := a.newHarness(st)
			if err != nil {
				return err
			}

			exit := 0
			for _, def := range targets {
				if ctx.Err() != nil {
					a.logger.Warnw("interrupted, not starting remaining scripts")
					exit = 1
					break
				}
				opts := harness.Options{Timeout: def.Timeout}
				if override != 0 {
					opts.Timeout = override
				}
				res := h.Run(ctx, def.Name, def.Func, opts)
				printResult(out, def.Name, res)
				if code := res.ExitCode(); code > exit {
					exit = code
				}
			}
			if exit != 0 {
				return &exitCodeError{code: exit}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "run every pending script")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the scripts that would run")
	cmd.Flags().StringVar(&timeout, "timeout", "", "timeout for each script, overriding headers and defaults")
	cmd.Flags().BoolVar(&noTimeout, "no-timeout", false, "run without a timeout")
	return cmd
}

func newPendingCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List scripts that have no run record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := script.NewRegistry()
			files, err := loadScripts(a, reg)
			if err != nil {
				return err
			}
			pending, err := selectTargets(ctx, st, reg, nil)
			if err != nil {
				return err
			}

			kinds := make(map[string]runner.Kind, len(files))
			for _, f := range files {
				kinds[f.Identifier] = f.Kind
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "IDENTIFIER\tKIND\tTIMEOUT\tDESCRIPTION")
			for _, def := range pending {
				t := "default"
				if def.Timeout > 0 {
					t = def.Timeout.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, kinds[def.Name], t, def.Description)
			}
			return w.Flush()
		},
	}
}

// loadScripts registers every script in the configured directory,
// creating the directory on first use.
func loadScripts(a *app, reg *script.Registry) ([]runner.File, error) {
	if err := os.MkdirAll(a.cfg.ScriptsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create scripts dir")
	}
	return a.newRunner().Load(a.cfg.ScriptsDir, reg)
}

// selectTargets resolves names against the registry. With no names it
// returns every script without a record, in filename order.
func selectTargets(ctx context.Context, st store.RunStore, reg *script.Registry, names []string) ([]script.Definition, error) {
	if len(names) == 0 {
		var pending []script.Definition
		for _, def := range reg.List() {
			ok, err := st.Exists(ctx, def.Name)
			if err != nil {
				return nil, err
			}
			if !ok {
				pending = append(pending, def)
			}
		}
		return pending, nil
	}

	var targets []script.Definition
	for _, name := range names {
		def, ok := reg.Get(name)
		if !ok {
			return nil, errors.Newf("unknown script %q", name)
		}
		rec, err := st.Get(ctx, name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			targets = append(targets, def)
		case err != nil:
			return nil, err
		default:
			return nil, errors.Newf("script %s already has a %s record from %s; reset it to run again",
				name, rec.Status, rec.StartedAt.Local().Format(time.DateTime))
		}
	}
	return targets, nil
}

func printResult(w io.Writer, name string, res harness.Result) {
	fmt.Fprintf(w, "%-8s %s (%s)\n", strings.ToUpper(string(res.Outcome)), name, res.Duration.Round(time.Millisecond))
	if res.Output == "" || res.Success {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(res.Output, "\n"), "\n") {
		fmt.Fprintf(w, "    %s\n", line)
	}
}
