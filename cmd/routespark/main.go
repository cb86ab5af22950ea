// Package main is the entry point for the RouteSpark core daemons. Each
// long-running role (retrain orchestrator, export worker, purge worker,
// standalone calibrator) runs as its own process via a subcommand, per
// the parallel-processes-plus-bounded-worker-pools model.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/database"
	"github.com/routespark/core/internal/database/migrations"
	"github.com/routespark/core/internal/docstore/sqlitestore"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/pkg/logger"
)

func main() {
	root := &cobra.Command{
		Use:           "routespark",
		Short:         "RouteSpark order-cycle scheduler and forecasting daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newRetrainCmd(),
		newExportWorkerCmd(),
		newPurgeWorkerCmd(),
		newCalibrateCmd(),
	)

	if err := root.Execute(); err != nil {
		// Unrecoverable startup/runtime errors exit non-zero; clean
		// signal-driven shutdowns return nil from the subcommands.
		logger.New(logger.Config{Level: "error"}).Error().Err(err).Msg("routespark exited with error")
		os.Exit(1)
	}
}

// app bundles the shared wiring every subcommand needs: configuration,
// logger, migrated relational store and document store.
type app struct {
	cfg  *config.Config
	log  zerolog.Logger
	db   *database.DB
	rel  *relstore.Store
	docs *sqlitestore.Store
}

// bootstrap loads configuration, initializes logging, opens the database
// and applies pending migrations. Callers must Close the returned app.
func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.Pretty})
	logger.SetGlobalLogger(log)

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "routespark.db"),
		Profile: database.ProfileStandard,
		Name:    "routespark",
	})
	if err != nil {
		return nil, err
	}
	if err := migrations.Apply(db.Conn()); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:  cfg,
		log:  log,
		db:   db,
		rel:  relstore.New(db),
		docs: sqlitestore.New(db),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing database failed")
	}
}

// signalContext returns a context canceled on SIGINT/SIGTERM, which the
// daemons treat as "finish current item, persist checkpoint, exit 0".
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()
			a.log.Info().Msg("migrations applied")
			return nil
		},
	}
}
