// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the dbsession command-line interface with Cobra. The
// root command loads configuration and wires the session factory that every
// subcommand works through.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/toeirei/dbsession/internal/config"
	"github.com/toeirei/dbsession/internal/db"
	"github.com/toeirei/dbsession/internal/factory"
	"github.com/toeirei/dbsession/internal/logging"
	"github.com/toeirei/dbsession/internal/metrics"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE builds for the subcommands.
type app struct {
	cfgFile string
	verbose bool

	config   config.Config
	dialect  db.Dialect
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	sessions *factory.Factory
}

func (a *app) configPathFromCli(cmd *cobra.Command) (*string, error) {
	// Only proceed if the user has explicitly set the --config flag.
	if !cmd.Flags().Changed("config") || a.cfgFile == "" {
		return nil, nil
	}
	// Make sure the user-provided file exists to avoid unwanted behavior.
	if _, err := os.Stat(a.cfgFile); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &a.cfgFile, nil
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	path, err := a.configPathFromCli(cmd)
	if err != nil {
		return err
	}
	a.config, err = config.LoadConfig[config.Config](cmd, config.Defaults(), path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if a.verbose {
		logging.SetDebug(true)
		db.SetDebug(true)
	} else if err := logging.SetLevel(a.config.Log.Level); err != nil {
		return err
	}
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.dialect, err = db.ParseDialect(a.config.Database.Type)
	if err != nil {
		return err
	}
	opener, err := db.NewOpener(db.Options{
		Dialect:     a.dialect,
		DSN:         a.config.Database.DSN,
		DataDir:     a.config.Database.DataDir,
		BusyTimeout: a.config.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("could not configure database: %w", err)
	}
	migrator, err := db.NewMigrator(a.dialect)
	if err != nil {
		return err
	}

	a.promReg = prometheus.NewRegistry()
	a.metrics, err = metrics.New(a.promReg)
	if err != nil {
		return err
	}
	a.sessions = factory.New(opener, migrator,
		factory.WithLogger(logging.Default()),
		factory.WithMetrics(a.metrics),
		factory.WithRetryPolicy(factory.RetryPolicy{
			MaxAttempts: a.config.Retry.MaxAttempts,
			ShortDelay:  a.config.Retry.ShortDelay,
			LongDelay:   a.config.Retry.LongDelay,
			LongEvery:   a.config.Retry.LongEvery,
		}),
		factory.WithInitPollInterval(a.config.InitPollInterval),
	)
	logging.Debugf("using %s sessions (data dir %s)", a.dialect, a.config.Database.DataDir)
	return nil
}

// teardown releases whatever a command left open.
func (a *app) teardown(cmd *cobra.Command, args []string) {
	if a.sessions == nil {
		return
	}
	a.sessions.ReleaseEverything()
}

// NewRootCmd creates and configures a new root cobra command.
// This function is used to create the main application command as well as
// fresh instances for isolated testing.
func NewRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "dbsession",
		Short: "dbsession manages reference-counted database sessions per namespace.",
		Long: `dbsession opens one database per namespace, brings its schema to the
current version exactly once, and hands out shared, reference-counted
sessions keyed by qualifier.

The subcommands initialize and maintain namespaces and exercise the
session registry under concurrent load.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: a.teardown,
	}
	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is dbsession.yaml in the user config dir, /etc/dbsession or .)")
	cmd.PersistentFlags().String("database.type", "sqlite", `Database type ("sqlite", "postgres", "mysql")`)
	cmd.PersistentFlags().String("database.dsn", "", "Database connection string; {namespace} is replaced by the namespace")
	cmd.PersistentFlags().String("database.data_dir", "./data", "Directory holding one SQLite database per namespace")
	cmd.PersistentFlags().String("log.level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newInitCmd(a),
		newMaintainCmd(a),
		newStressCmd(a),
		newDebugCmd(a),
		newVersionCmd(),
	)
	return cmd
}

// namespaceArg validates the single namespace argument shared by the
// namespace-scoped subcommands.
func namespaceArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if err := factory.ValidateNamespace(args[0]); err != nil {
		return err
	}
	return nil
}

var errUnbalanced = errors.New("session opens and closes do not balance")

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}
