package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
)

// DeletionSources is the trio of backends a purge must clear for one
// (route, delivery) before its checkpoint may be marked completed:
// the document store's cached entries, the artifact blob prefix, and
// the on-disk export staging directory.
type DeletionSources interface {
	DeleteDocStoreEntries(ctx context.Context, route string, delivery time.Time) error
	DeleteBlobPrefix(ctx context.Context, route string, delivery time.Time) error
	DeleteFilesystemDir(ctx context.Context, route string, delivery time.Time) error
}

// PurgeWorker implements the purge side of C10: artifact TTL cleanup and
// checkpoint-guarded per-delivery deletion across the three backends
// DeletionSources covers, giving at-most-once deletion with safe retry.
type PurgeWorker struct {
	queue    *Manager
	rel      *relstore.Store
	sources  DeletionSources
	artifact ArtifactStore
	clock    routeclock.Clock
	cfg      *config.Config
	log      zerolog.Logger
}

// NewPurgeWorker constructs a PurgeWorker.
func NewPurgeWorker(queue *Manager, rel *relstore.Store, sources DeletionSources, artifact ArtifactStore, clock routeclock.Clock, cfg *config.Config, log zerolog.Logger) *PurgeWorker {
	return &PurgeWorker{
		queue:    queue,
		rel:      rel,
		sources:  sources,
		artifact: artifact,
		clock:    clock,
		cfg:      cfg,
		log:      log.With().Str("component", "purge_worker").Logger(),
	}
}

// SweepExpiredArtifacts scans {ready, ready_partial, expired} export jobs
// and deletes any blob whose artifact has passed its TTL, transitioning
// the job document to expired.
func (p *PurgeWorker) SweepExpiredArtifacts(ctx context.Context) (int, error) {
	now := p.clock.Now()
	docs, err := p.queue.store.StreamCollection(ctx, collectionJobs)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, d := range docs {
		j, err := decodeJob(d)
		if err != nil {
			continue
		}
		if j.Kind != domain.JobKindExport {
			continue
		}
		if j.Status != domain.JobReady && j.Status != domain.JobReadyPartial && j.Status != domain.JobExpired {
			continue
		}
		if j.Artifact == nil || j.Artifact.ExpiresAt.After(now) {
			continue
		}
		if j.Status == domain.JobExpired {
			continue // already swept
		}

		if err := p.artifact.Delete(ctx, j.Artifact.StoragePath); err != nil {
			p.log.Warn().Err(err).Str("job_id", j.ID).Msg("artifact delete failed; will retry next sweep")
			continue
		}
		if err := p.queue.MarkExpired(ctx, j.ID, now); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// PurgeDelivery runs the checkpointed, idempotent deletion for one
// (route, delivery): it writes a checkpoint before starting, deletes
// across all three DeletionSources, and marks the checkpoint completed
// only once every source succeeds. A prior completed checkpoint short-
// circuits the whole operation, giving at-most-once deletion.
func (p *PurgeWorker) PurgeDelivery(ctx context.Context, route string, delivery time.Time, eventID string) error {
	existing, err := p.rel.GetPurgeCheckpoint(ctx, route, delivery)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == domain.PurgeCompleted {
		p.log.Debug().Str("route", route).Time("delivery", delivery).Msg("checkpoint already completed, skipping")
		return nil
	}

	if err := p.rel.SetPurgeCheckpoint(ctx, domain.PurgeCheckpoint{
		Route: route, Delivery: delivery, Status: domain.PurgeFailed, EventID: eventID,
		Details: "purge started",
	}); err != nil {
		return err
	}

	if err := p.sources.DeleteDocStoreEntries(ctx, route, delivery); err != nil {
		return p.failCheckpoint(ctx, route, delivery, eventID, fmt.Errorf("doc store: %w", err))
	}
	if err := p.sources.DeleteBlobPrefix(ctx, route, delivery); err != nil {
		return p.failCheckpoint(ctx, route, delivery, eventID, fmt.Errorf("blob prefix: %w", err))
	}
	if err := p.sources.DeleteFilesystemDir(ctx, route, delivery); err != nil {
		return p.failCheckpoint(ctx, route, delivery, eventID, fmt.Errorf("filesystem dir: %w", err))
	}

	return p.rel.SetPurgeCheckpoint(ctx, domain.PurgeCheckpoint{
		Route: route, Delivery: delivery, Status: domain.PurgeCompleted, EventID: eventID,
		Details: "all sources deleted",
	})
}

func (p *PurgeWorker) failCheckpoint(ctx context.Context, route string, delivery time.Time, eventID string, cause error) error {
	p.log.Error().Err(cause).Str("route", route).Time("delivery", delivery).Msg("purge delivery failed; non-fatal, will retry next run")
	if err := p.rel.SetPurgeCheckpoint(ctx, domain.PurgeCheckpoint{
		Route: route, Delivery: delivery, Status: domain.PurgeFailed, EventID: eventID,
		Details: cause.Error(),
	}); err != nil {
		return err
	}
	return cause
}

// RetentionCutoff returns the anchor date before which deliveries are
// eligible for purge, given the configured retention window.
func (p *PurgeWorker) RetentionCutoff(now time.Time) time.Time {
	days := p.cfg.PurgeRetentionDaysDefault
	if days <= 0 {
		days = 90
	}
	return now.AddDate(0, 0, -days)
}
