package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/patrickspencer/scripttrack/internal/config"
	"github.com/patrickspencer/scripttrack/internal/harness"
	"github.com/patrickspencer/scripttrack/internal/lock"
	"github.com/patrickspencer/scripttrack/internal/logging"
	"github.com/patrickspencer/scripttrack/internal/runlog"
	"github.com/patrickspencer/scripttrack/internal/runner"
	"github.com/patrickspencer/scripttrack/internal/store"
)

// app carries the resolved configuration shared by all subcommands.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.SugaredLogger
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "scripttrack",
		Short: "Run one-off maintenance scripts exactly once",
		Long: `scripttrack runs idempotent maintenance scripts against a database,
records every run, and makes sure no script runs twice at the same time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default: ./"+config.DefaultFile+" if present)")
	flags.String("scripts-dir", "", "directory holding script files")
	flags.String("database-driver", "", "database driver (sqlite, postgres)")
	flags.String("database-dsn", "", "database connection string")
	flags.String("lock-strategy", "", "lock strategy (advisory, named-mutex, uniqueness)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")

	bindings := map[string]string{
		"config":          "config",
		"scripts_dir":     "scripts-dir",
		"database.driver": "database-driver",
		"database.dsn":    "database-dsn",
		"lock_strategy":   "lock-strategy",
		"log.level":       "log-level",
		"log.json":        "log-json",
	}
	for key, flag := range bindings {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newRunCommand(a),
		newPendingCommand(a),
		newListCommand(a),
		newShowCommand(a),
		newStatsCommand(a),
		newSweepCommand(a),
		newMigrateCommand(a),
		newResetCommand(a),
	)
	return root
}

func (a *app) init() error {
	a.v.SetEnvPrefix("SCRIPTTRACK")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	cfg, err := config.Resolve(a.v.GetString("config"))
	if err != nil {
		return err
	}
	if err := cfg.ApplyOverrides(a.v); err != nil {
		return errors.Wrap(err, "apply overrides")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) dialect() (store.Dialect, error) {
	return store.ParseDialect(a.cfg.Database.Driver)
}

func (a *app) openStore(ctx context.Context) (*store.SQLStore, error) {
	dialect, err := a.dialect()
	if err != nil {
		return nil, err
	}
	dsn := a.cfg.Database.DSN
	if dialect == store.DialectSQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	st, err := store.Open(ctx, dialect, dsn, store.OpenOptions{
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
		PingTimeout:  a.cfg.Database.PingTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debugw("store opened", "driver", dialect)
	return st, nil
}

func (a *app) lockStrategy() (lock.Strategy, error) {
	strategy, err := lock.ParseStrategy(a.cfg.LockStrategy)
	if err != nil {
		return "", err
	}
	if strategy == "" {
		strategy = lock.DefaultStrategy(a.cfg.Database.Driver)
	}
	dialect, err := a.dialect()
	if err != nil {
		return "", err
	}
	switch {
	case strategy == lock.Advisory && dialect != store.DialectPostgres:
		return "", errors.Newf("lock strategy %s needs postgres, not %s", strategy, dialect)
	case strategy == lock.NamedMutex:
		return "", errors.Newf("lock strategy %s is not supported by driver %s", strategy, dialect)
	}
	return strategy, nil
}

func (a *app) newHarness(st *store.SQLStore) (*harness.Harness, error) {
	strategy, err := a.lockStrategy()
	if err != nil {
		return nil, err
	}
	locker, err := lock.New(strategy, st.DB(), st, a.logger)
	if err != nil {
		return nil, err
	}
	return harness.New(st.DB(), st, locker,
		harness.WithLogger(a.logger),
		harness.WithDefaultTimeout(a.cfg.DefaultTimeout.Std()),
	), nil
}

func (a *app) outputLogs() *runlog.Manager {
	if !a.cfg.OutputLogs.IsEnabled() {
		return nil
	}
	return runlog.NewManager(runlog.Options{
		Dir:               a.cfg.OutputLogs.Dir,
		MaxBytesPerStream: a.cfg.OutputLogs.MaxBytesPerStream,
		Retention:         dayDuration(a.cfg.OutputLogs.RetentionDays),
		MaxTotalBytes:     a.cfg.OutputLogs.MaxTotalMB * 1024 * 1024,
	})
}

func (a *app) newRunner() *runner.Runner {
	return runner.New(runner.Env{
		Driver:      a.cfg.Database.Driver,
		DatabaseURL: a.cfg.Database.DSN,
		Extra:       a.cfg.Env,
	}, a.outputLogs(), a.logger)
}
