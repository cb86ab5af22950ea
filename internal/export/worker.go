// Package export implements the export-side worker of the async job
// queue: it claims export jobs, archives the requested order history into
// a zip artifact, uploads it to blob storage, and drives the job's state
// machine through ready/ready_partial/failed.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/jobqueue"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

// Worker is a long-running export worker process. One Worker drives up to
// ExportWorkerConcurrency jobs at once; the queue's global concurrency
// gate and route-scoped exclusion still apply across all workers.
type Worker struct {
	queue     *jobqueue.Manager
	rel       *relstore.Store
	artifacts jobqueue.ArtifactStore
	clock     routeclock.Clock
	cfg       *config.Config
	log       zerolog.Logger
}

// NewWorker constructs a Worker.
func NewWorker(queue *jobqueue.Manager, rel *relstore.Store, artifacts jobqueue.ArtifactStore, clock routeclock.Clock, cfg *config.Config, log zerolog.Logger) *Worker {
	return &Worker{
		queue:     queue,
		rel:       rel,
		artifacts: artifacts,
		clock:     clock,
		cfg:       cfg,
		log:       log.With().Str("component", "export_worker").Logger(),
	}
}

// Run polls the queue until ctx is canceled: each tick recovers stale
// jobs, then claims and processes as many eligible jobs as local
// concurrency allows. A subscription on the jobs collection wakes the
// loop as soon as a new job lands instead of waiting out the poll
// interval; delivery is at-least-once, so a spurious wake only costs an
// extra no-op tick. Cancellation finishes the jobs already in flight
// before returning, per the finish-current-item exit contract.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.ExportPollSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	changes, err := w.queue.SubscribeJobs(ctx)
	if err != nil {
		return err
	}

	for {
		if err := w.Tick(ctx); err != nil {
			w.log.Error().Err(err).Msg("export tick failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil // ctx canceled upstream; the ticker still drives
			}
		}
	}
}

// Tick runs one poll iteration: stale recovery followed by a claim loop
// that drains eligible queued jobs into a bounded worker group.
func (w *Worker) Tick(ctx context.Context) error {
	recovered, err := w.queue.RecoverStale(ctx, domain.JobKindExport)
	if err != nil {
		return err
	}
	if recovered > 0 {
		w.log.Warn().Int("recovered", recovered).Msg("requeued stale export jobs")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ExportWorkerConcurrency)

	for {
		job, err := w.queue.Claim(ctx, domain.JobKindExport)
		if err != nil {
			w.log.Error().Err(err).Msg("claim failed")
			break
		}
		if job == nil {
			break
		}
		claimed := *job
		g.Go(func() error {
			w.Process(gctx, claimed)
			return nil
		})
	}
	return g.Wait()
}

// Process runs one claimed job to a terminal or requeued state. A
// heartbeat task runs for exactly the job's processing lifetime.
func (w *Worker) Process(ctx context.Context, job domain.QueueJob) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	w.queue.StartHeartbeatLoop(hbCtx, job)

	log := w.log.With().Str("job_id", job.ID).Str("route", job.RouteNumber).Logger()
	log.Info().Time("from", job.FromDate).Time("to", job.ToDate).Msg("processing export job")

	artifact, partial, err := w.buildAndUpload(ctx, job)
	stopHeartbeat()
	if err != nil {
		kind := rserrors.KindOf(err)
		if kind == "" {
			kind = rserrors.ExportProcessingError
		}
		log.Error().Err(err).Str("error_code", string(kind)).Msg("export job failed")
		if failErr := w.queue.Fail(ctx, job, kind, err.Error()); failErr != nil {
			log.Error().Err(failErr).Msg("recording export failure failed")
		}
		return
	}

	if err := w.queue.Complete(ctx, job, partial, artifact); err != nil {
		log.Error().Err(err).Msg("completing export job failed")
		return
	}
	log.Info().Str("storage_path", artifact.StoragePath).Int64("size_bytes", artifact.SizeBytes).Bool("partial", partial).Msg("export job ready")
}

// buildAndUpload assembles the archive for the job's range and uploads
// it, returning the artifact metadata and whether coverage was partial
// (some days in the requested range had no archived data).
func (w *Worker) buildAndUpload(ctx context.Context, job domain.QueueJob) (domain.Artifact, bool, error) {
	orders, err := w.rel.OrdersBetween(ctx, job.RouteNumber, job.FromDate, job.ToDate)
	if err != nil {
		return domain.Artifact{}, false, rserrors.Wrap(rserrors.ExportProcessingError, "loading orders", err)
	}
	if len(orders) == 0 {
		return domain.Artifact{}, false, rserrors.New(rserrors.NoArchiveDataInRange, "no finalized orders in the requested range")
	}

	corrections, err := w.rel.CorrectionsBetween(ctx, job.RouteNumber, job.FromDate, job.ToDate)
	if err != nil {
		return domain.Artifact{}, false, rserrors.Wrap(rserrors.ExportProcessingError, "loading corrections", err)
	}

	data, err := buildArchive(job, orders, corrections)
	if err != nil {
		return domain.Artifact{}, false, rserrors.Wrap(rserrors.ExportProcessingError, "building archive", err)
	}

	key := fmt.Sprintf("exports/%s/%s.zip", job.RouteNumber, job.ID)
	size, err := w.artifacts.Upload(ctx, key, data)
	if err != nil {
		return domain.Artifact{}, false, err
	}

	now := w.clock.Now()
	artifact := domain.Artifact{
		StoragePath: key,
		Parts:       1,
		ExpiresAt:   now.AddDate(0, 0, w.cfg.ArtifactTTLDays),
		SizeBytes:   size,
	}
	return artifact, coverageIsPartial(job, orders), nil
}

// coverageIsPartial reports whether any whole delivery day inside the
// requested range has no archived order, which downgrades the result to
// ready_partial.
func coverageIsPartial(job domain.QueueJob, orders []domain.Order) bool {
	covered := make(map[string]bool)
	for _, o := range orders {
		covered[o.DeliveryDate.Format("2006-01-02")] = true
	}
	for d := job.FromDate; !d.After(job.ToDate); d = d.AddDate(0, 0, 1) {
		if !covered[d.Format("2006-01-02")] {
			return true
		}
	}
	return false
}
