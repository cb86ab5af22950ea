package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/routespark/core/internal/export"
	"github.com/routespark/core/internal/jobqueue"
	"github.com/routespark/core/internal/routeclock"
)

// workerID identifies this process as claimed_by on any job it wins.
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return host
}

func newExportWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-worker",
		Short: "Run the export worker daemon (claim, archive, upload)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			artifacts, err := jobqueue.NewS3ArtifactStore(ctx, a.cfg)
			if err != nil {
				return err
			}

			clock := routeclock.Real{}
			queue := jobqueue.New(a.docs, clock, a.cfg, workerID(), a.log)
			worker := export.NewWorker(queue, a.rel, artifacts, clock, a.cfg, a.log)

			a.log.Info().Int("concurrency", a.cfg.ExportWorkerConcurrency).Msg("export worker started")
			if err := worker.Run(ctx); err != nil {
				return err
			}
			a.log.Info().Msg("export worker stopped")
			return nil
		},
	}
}

func newPurgeWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-worker",
		Short: "Run the purge worker daemon (artifact TTL sweep, checkpointed deletion)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.cfg.PurgeEnabled {
				a.log.Warn().Msg("PURGE_ENABLED is off; exiting")
				return nil
			}

			ctx, stop := signalContext()
			defer stop()

			artifacts, err := jobqueue.NewS3ArtifactStore(ctx, a.cfg)
			if err != nil {
				return err
			}

			clock := routeclock.Real{}
			queue := jobqueue.New(a.docs, clock, a.cfg, workerID(), a.log)
			sources := export.NewPurgeSources(a.docs, artifacts, a.cfg.DataDir)
			worker := jobqueue.NewPurgeWorker(queue, a.rel, sources, artifacts, clock, a.cfg, a.log)

			a.log.Info().Msg("purge worker started")
			if err := runPurgeLoop(ctx, a, worker); err != nil {
				return err
			}
			a.log.Info().Msg("purge worker stopped")
			return nil
		},
	}
}

// runPurgeLoop ticks the artifact TTL sweep and checkpointed deletion of
// retention-expired deliveries until ctx is canceled.
func runPurgeLoop(ctx context.Context, a *app, worker *jobqueue.PurgeWorker) error {
	interval := time.Duration(a.cfg.PurgePollSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	clock := routeclock.Real{}
	for {
		if swept, err := worker.SweepExpiredArtifacts(ctx); err != nil {
			a.log.Error().Err(err).Msg("artifact sweep failed")
		} else if swept > 0 {
			a.log.Info().Int("swept", swept).Msg("expired artifacts cleaned up")
		}

		cutoff := worker.RetentionCutoff(clock.Now())
		routes, err := a.rel.Routes(ctx)
		if err != nil {
			a.log.Error().Err(err).Msg("listing routes failed")
		} else {
			if len(routes) > a.cfg.RouteBatchLimit {
				routes = routes[:a.cfg.RouteBatchLimit]
			}
			for _, r := range routes {
				orders, err := a.rel.AllOrders(ctx, r.ID, nil)
				if err != nil {
					a.log.Error().Err(err).Str("route", r.ID).Msg("listing orders failed")
					continue
				}
				for _, o := range orders {
					if !o.DeliveryDate.Before(cutoff) {
						continue
					}
					// Per-delivery errors are recorded on the checkpoint
					// and retried next tick; the route keeps going.
					_ = worker.PurgeDelivery(ctx, r.ID, o.DeliveryDate, o.ID)
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
