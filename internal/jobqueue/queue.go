package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/docstore"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

// Manager owns the export/purge job state machine: claim, heartbeat,
// retry, dedup and quota handling over an injected docstore.Store and
// clock.
type Manager struct {
	store    docstore.Store
	clock    routeclock.Clock
	cfg      *config.Config
	workerID string
	log      zerolog.Logger
}

// New constructs a Manager. workerID identifies this process as
// ClaimedBy on any job it successfully claims.
func New(store docstore.Store, clock routeclock.Clock, cfg *config.Config, workerID string, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		clock:    clock,
		cfg:      cfg,
		workerID: workerID,
		log:      log.With().Str("component", "jobqueue").Str("worker_id", workerID).Logger(),
	}
}

// workerTimeout returns the configured worker timeout for the given job
// kind as a time.Duration.
func (m *Manager) workerTimeout(kind domain.JobKind) time.Duration {
	if kind == domain.JobKindPurge {
		return time.Duration(m.cfg.PurgeWorkerTimeoutSeconds) * time.Second
	}
	return time.Duration(m.cfg.ExportWorkerTimeoutSeconds) * time.Second
}

// lockTTL returns max(worker_timeout + 120s, 15 min).
func lockTTL(workerTimeout time.Duration) time.Duration {
	candidate := workerTimeout + 120*time.Second
	floor := 15 * time.Minute
	if candidate > floor {
		return candidate
	}
	return floor
}

// staleThreshold returns min(10 min, worker_timeout - 60s).
func staleThreshold(workerTimeout time.Duration) time.Duration {
	candidate := workerTimeout - 60*time.Second
	ceiling := 10 * time.Minute
	if candidate < ceiling {
		return candidate
	}
	return ceiling
}

// EnqueueRequest bundles the validated inputs to EnqueueExport.
type EnqueueRequest struct {
	Route     string
	FromDate  time.Time
	ToDate    time.Time
	Format    string
	Requester string
	RouteStart time.Time
}

// activeStatuses are the job states that count toward dedup and quota checks.
var activeStatuses = map[domain.JobStatus]bool{
	domain.JobQueued:       true,
	domain.JobProcessing:   true,
	domain.JobReady:        true,
	domain.JobReadyPartial: true,
}

// EnqueueExport validates an export request, applies quota and dedup
// rules, and writes a new queued job document — or returns the existing
// active job (marked Reused) when one already covers the same
// (route, from, to, format).
func (m *Manager) EnqueueExport(ctx context.Context, req EnqueueRequest) (domain.QueueJob, bool, error) {
	now := m.clock.Now()

	if req.FromDate.After(req.ToDate) {
		return domain.QueueJob{}, false, rserrors.New(rserrors.InvalidDateRange, "from_date must not be after to_date")
	}
	if req.ToDate.Sub(req.FromDate) > 31*24*time.Hour {
		return domain.QueueJob{}, false, rserrors.New(rserrors.ExportRangeExceedsMax31Days, "export range exceeds 31 days")
	}
	if !req.FromDate.Before(now) || !req.ToDate.Before(now) {
		return domain.QueueJob{}, false, rserrors.New(rserrors.InvalidDateRange, "export range must be entirely in the past")
	}
	if !req.RouteStart.IsZero() && (req.FromDate.Before(req.RouteStart) || req.ToDate.Before(req.RouteStart)) {
		return domain.QueueJob{}, false, rserrors.New(rserrors.DateBeforeRouteStart, "export range starts before the route's start date")
	}

	docs, err := m.store.StreamCollection(ctx, collectionJobs)
	if err != nil {
		return domain.QueueJob{}, false, err
	}

	dailyCount := 0
	routeActive := 0
	for _, d := range docs {
		j, err := decodeJob(d)
		if err != nil {
			continue
		}
		if j.Kind != domain.JobKindExport {
			continue
		}
		if j.RouteNumber == req.Route && activeStatuses[j.Status] {
			routeActive++
		}
		if j.Requester == req.Requester && sameUTCDay(j.CreatedAt, now) {
			dailyCount++
		}
		if j.RouteNumber == req.Route && j.FromDate.Equal(req.FromDate) && j.ToDate.Equal(req.ToDate) &&
			j.Format == req.Format && activeStatuses[j.Status] {
			return j, true, nil
		}
	}

	if dailyCount >= 3 {
		return domain.QueueJob{}, false, rserrors.New(rserrors.ExportDailyLimitReached, "per-requester daily export quota reached")
	}
	if routeActive >= m.cfg.RouteExportQueueLimit {
		return domain.QueueJob{}, false, rserrors.New(rserrors.RouteExportQueueFull, "route's active export queue depth limit reached")
	}

	job := domain.QueueJob{
		ID:          uuid.NewString(),
		Kind:        domain.JobKindExport,
		Status:      domain.JobQueued,
		RouteNumber: req.Route,
		FromDate:    req.FromDate,
		ToDate:      req.ToDate,
		Format:      req.Format,
		Requester:   req.Requester,
		MaxAttempts: 3,
		CreatedAt:   now,
	}
	doc, err := encodeJob(job)
	if err != nil {
		return domain.QueueJob{}, false, err
	}
	if err := m.store.Set(ctx, collectionJobs, job.ID, doc); err != nil {
		return domain.QueueJob{}, false, err
	}
	return job, false, nil
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// CancelExport transitions a queued job to failed/canceled. Processing
// jobs cannot be canceled externally.
func (m *Manager) CancelExport(ctx context.Context, jobID string) error {
	return m.store.TxnReadModifyWrite(ctx, collectionJobs, jobID, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, fmt.Errorf("jobqueue: job %s not found", jobID)
		}
		job, err := decodeJob(current)
		if err != nil {
			return nil, false, err
		}
		if job.Status != domain.JobQueued {
			return nil, false, fmt.Errorf("jobqueue: job %s is not queued (status=%s), cannot cancel", jobID, job.Status)
		}
		job.Status = domain.JobFailed
		job.CanceledByOwner = true
		job.ErrorCode = "CANCELED_BY_OWNER"
		job.ErrorMessage = "canceled by owner"
		doc, err := encodeJob(job)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	})
}

// Claim runs the atomic claim protocol: it refuses when global
// processing concurrency is at MaxConcurrentProcessing, then scans
// queued jobs FIFO by created_at, skipping retry-gated and
// route-excluded candidates, and transactionally claims the first
// eligible one plus its route lock.
func (m *Manager) Claim(ctx context.Context, kind domain.JobKind) (*domain.QueueJob, error) {
	now := m.clock.Now()

	docs, err := m.store.StreamCollection(ctx, collectionJobs)
	if err != nil {
		return nil, err
	}

	processing := 0
	busyRoutes := make(map[string]bool)
	var candidates []domain.QueueJob
	for _, d := range docs {
		j, err := decodeJob(d)
		if err != nil {
			continue
		}
		if j.Kind != kind {
			continue
		}
		if j.Status == domain.JobProcessing {
			processing++
			busyRoutes[j.RouteNumber] = true
		}
		if j.Status == domain.JobQueued {
			candidates = append(candidates, j)
		}
	}

	if processing >= m.cfg.MaxConcurrentProcessing {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	for _, c := range candidates {
		if c.RetryAfter != nil && c.RetryAfter.After(now) {
			continue
		}
		if busyRoutes[c.RouteNumber] {
			continue
		}
		held, err := m.routeLockHeld(ctx, c.RouteNumber, kind, now)
		if err != nil {
			return nil, err
		}
		if held {
			continue
		}

		claimed, err := m.tryClaim(ctx, c.ID, kind, now)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		// Lost the race (or became ineligible on re-read): move on to
		// the next candidate rather than retrying this one.
	}
	return nil, nil
}

// routeLockHeld reports whether another worker currently holds the
// (route, kind) lock. A lock whose locked_until has passed is treated as
// released and deleted on observation.
func (m *Manager) routeLockHeld(ctx context.Context, route string, kind domain.JobKind, now time.Time) (bool, error) {
	doc, err := m.store.Get(ctx, collectionLocks, lockID(route, kind))
	if err != nil {
		if _, ok := err.(*docstore.NotFoundError); ok {
			return false, nil
		}
		return false, err
	}
	lock, err := decodeLock(doc)
	if err != nil {
		return false, err
	}
	if lockExpired(lock, now) {
		if err := m.store.Delete(ctx, collectionLocks, lockID(route, kind)); err != nil {
			return false, err
		}
		return false, nil
	}
	return lock.LockedBy != m.workerID, nil
}

// tryClaim re-reads the candidate job inside a single-document
// transaction and claims it only if it is still queued and eligible,
// satisfying the "exactly one winner" claim-race contract.
func (m *Manager) tryClaim(ctx context.Context, jobID string, kind domain.JobKind, now time.Time) (*domain.QueueJob, error) {
	var claimed *domain.QueueJob

	err := m.store.TxnReadModifyWrite(ctx, collectionJobs, jobID, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		job, err := decodeJob(current)
		if err != nil {
			return nil, false, err
		}
		if job.Status != domain.JobQueued {
			return nil, false, nil
		}
		if job.RetryAfter != nil && job.RetryAfter.After(now) {
			return nil, false, nil
		}

		job.Status = domain.JobProcessing
		job.ClaimedBy = m.workerID
		job.StartedAt = &now
		job.WorkerHeartbeatAt = &now

		doc, err := encodeJob(job)
		if err != nil {
			return nil, false, err
		}
		claimed = &job
		return doc, true, nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}

	until := now.Add(lockTTL(m.workerTimeout(kind)))
	lock := domain.RouteLock{
		Route:       claimed.RouteNumber,
		Kind:        kind,
		ExportID:    claimed.ID,
		LockedBy:    m.workerID,
		LockedUntil: until,
	}
	lockDoc, err := encodeLock(lock)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, collectionLocks, lockID(claimed.RouteNumber, kind), lockDoc); err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat updates worker_heartbeat_at and re-extends the route lock.
// Callers run this from a structured-concurrency task tied to the job's
// processing lifetime (started on claim, canceled on completion).
func (m *Manager) Heartbeat(ctx context.Context, jobID string, kind domain.JobKind) error {
	now := m.clock.Now()
	err := m.store.TxnReadModifyWrite(ctx, collectionJobs, jobID, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		job, err := decodeJob(current)
		if err != nil {
			return nil, false, err
		}
		if job.Status != domain.JobProcessing {
			return nil, false, nil
		}
		job.WorkerHeartbeatAt = &now
		doc, err := encodeJob(job)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	})
	if err != nil {
		return err
	}

	return m.store.TxnReadModifyWrite(ctx, collectionLocks, lockID(routeFromJobID(ctx, m, jobID), kind), func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		lock, err := decodeLock(current)
		if err != nil {
			return nil, false, err
		}
		if lock.LockedBy != m.workerID {
			return nil, false, nil
		}
		lock.LockedUntil = now.Add(lockTTL(m.workerTimeout(kind)))
		doc, err := encodeLock(lock)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	})
}

// routeFromJobID looks up a job's route number for lock-key derivation,
// keeping the Heartbeat(jobID) signature usable by callers that only
// have an ID. It returns "" when the job cannot be read.
func routeFromJobID(ctx context.Context, m *Manager, jobID string) string {
	doc, err := m.store.Get(ctx, collectionJobs, jobID)
	if err != nil {
		return ""
	}
	job, err := decodeJob(doc)
	if err != nil {
		return ""
	}
	return job.RouteNumber
}

// StartHeartbeatLoop runs Heartbeat on an interval until ctx is canceled,
// implementing the structured-concurrency heartbeat task tied to a job's
// processing lifetime. The caller cancels ctx when the job transitions
// out of processing.
func (m *Manager) StartHeartbeatLoop(ctx context.Context, job domain.QueueJob) {
	interval := time.Duration(m.cfg.ExportHeartbeatSeconds) * time.Second
	if job.Kind == domain.JobKindPurge {
		interval = time.Duration(m.cfg.PurgeHeartbeatSeconds) * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Heartbeat(ctx, job.ID, job.Kind); err != nil {
					m.log.Warn().Err(err).Str("job_id", job.ID).Msg("heartbeat update failed")
				}
			}
		}
	}()
}

// RecoverStale scans processing jobs and requeues any whose heartbeat or
// start time has exceeded the configured thresholds, releasing any route
// lock it still owns.
func (m *Manager) RecoverStale(ctx context.Context, kind domain.JobKind) (int, error) {
	now := m.clock.Now()
	docs, err := m.store.StreamCollection(ctx, collectionJobs)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, d := range docs {
		j, err := decodeJob(d)
		if err != nil {
			continue
		}
		if j.Kind != kind || j.Status != domain.JobProcessing {
			continue
		}

		timeout := m.workerTimeout(kind)
		threshold := staleThreshold(timeout)

		stale := j.WorkerHeartbeatAt != nil && now.Sub(*j.WorkerHeartbeatAt) > threshold
		timedOut := j.StartedAt != nil && now.Sub(*j.StartedAt) > timeout
		if !stale && !timedOut {
			continue
		}

		errCode := string(rserrors.StaleProcessingJob)
		if timedOut {
			errCode = string(rserrors.WorkerTimeout)
		}

		if err := m.requeueWithBackoff(ctx, j.ID, errCode, "recovered from stale processing"); err != nil {
			return recovered, err
		}
		if err := m.releaseLockIfOwned(ctx, j.RouteNumber, kind, j.ClaimedBy); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// requeueWithBackoff increments attempt_count and either schedules the
// next retry (retry_after = now + min(60*2^(attempt-1), 1800)) or moves
// the job to failed when attempts are exhausted.
func (m *Manager) requeueWithBackoff(ctx context.Context, jobID, errCode, errMsg string) error {
	now := m.clock.Now()
	return m.store.TxnReadModifyWrite(ctx, collectionJobs, jobID, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		job, err := decodeJob(current)
		if err != nil {
			return nil, false, err
		}
		job.AttemptCount++
		job.ErrorCode = errCode
		job.ErrorMessage = rserrors.Truncate(errMsg, 500)
		job.ClaimedBy = ""
		job.StartedAt = nil
		job.WorkerHeartbeatAt = nil

		if job.AttemptCount >= job.MaxAttempts {
			job.Status = domain.JobFailed
		} else {
			job.Status = domain.JobQueued
			backoff := backoffFor(job.AttemptCount)
			retryAt := now.Add(backoff)
			job.RetryAfter = &retryAt
		}

		doc, err := encodeJob(job)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	})
}

// backoffFor returns min(60*2^(attempt-1), 1800) seconds.
func backoffFor(attempt int) time.Duration {
	seconds := 60 * (1 << uint(attempt-1))
	if seconds > 1800 {
		seconds = 1800
	}
	return time.Duration(seconds) * time.Second
}

func (m *Manager) releaseLockIfOwned(ctx context.Context, route string, kind domain.JobKind, owner string) error {
	return m.ReleaseLock(ctx, route, kind, owner)
}

// ReleaseLock deletes the route lock for (route, kind), best-effort, if
// it is still owned by owner (or unconditionally when owner is empty).
func (m *Manager) ReleaseLock(ctx context.Context, route string, kind domain.JobKind, owner string) error {
	if owner != "" {
		doc, err := m.store.Get(ctx, collectionLocks, lockID(route, kind))
		if err != nil {
			return nil // already gone; deleting a non-existent doc is a no-op anyway
		}
		lock, err := decodeLock(doc)
		if err == nil && lock.LockedBy != owner {
			return nil
		}
	}
	return m.store.Delete(ctx, collectionLocks, lockID(route, kind))
}

// Fail records error_code/error_message on a job and either schedules a
// retry (retryable kinds) or moves it to the terminal failed state.
func (m *Manager) Fail(ctx context.Context, job domain.QueueJob, kind rserrors.Kind, msg string) error {
	if kind.Retryable() && job.AttemptCount+1 < job.MaxAttempts {
		if err := m.requeueWithBackoff(ctx, job.ID, string(kind), msg); err != nil {
			return err
		}
		return m.ReleaseLock(ctx, job.RouteNumber, job.Kind, m.workerID)
	}
	err := m.store.TxnReadModifyWrite(ctx, collectionJobs, job.ID, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		j, err := decodeJob(current)
		if err != nil {
			return nil, false, err
		}
		j.AttemptCount++
		j.Status = domain.JobFailed
		j.ErrorCode = string(kind)
		j.ErrorMessage = rserrors.Truncate(msg, 500)
		doc, err := encodeJob(j)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	})
	if err != nil {
		return err
	}
	return m.ReleaseLock(ctx, job.RouteNumber, job.Kind, m.workerID)
}

// Complete transitions a job to ready or ready_partial, attaches the
// artifact metadata, and releases the route lock.
func (m *Manager) Complete(ctx context.Context, job domain.QueueJob, partial bool, artifact domain.Artifact) error {
	status := domain.JobReady
	if partial {
		status = domain.JobReadyPartial
	}
	err := m.store.TxnReadModifyWrite(ctx, collectionJobs, job.ID, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		j, err := decodeJob(current)
		if err != nil {
			return nil, false, err
		}
		j.Status = status
		j.Artifact = &artifact
		j.ErrorCode = ""
		j.ErrorMessage = ""
		doc, err := encodeJob(j)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	})
	if err != nil {
		return err
	}
	return m.ReleaseLock(ctx, job.RouteNumber, job.Kind, m.workerID)
}

// SubscribeJobs exposes the document store's change stream over the jobs
// collection so workers can wake on new enqueues instead of waiting out
// a full poll interval.
func (m *Manager) SubscribeJobs(ctx context.Context) (<-chan docstore.ChangeEvent, error) {
	return m.store.Subscribe(ctx, collectionJobs)
}

// Stats is an in-process snapshot of queue depth, used only for the
// orchestrator's own logging (no HTTP exposition; out of scope).
type Stats struct {
	Queued     int
	Processing int
	Ready      int
	Failed     int
}

// QueueStats computes a point-in-time Stats snapshot for one job kind.
func (m *Manager) QueueStats(ctx context.Context, kind domain.JobKind) (Stats, error) {
	docs, err := m.store.StreamCollection(ctx, collectionJobs)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, d := range docs {
		j, err := decodeJob(d)
		if err != nil || j.Kind != kind {
			continue
		}
		switch j.Status {
		case domain.JobQueued:
			s.Queued++
		case domain.JobProcessing:
			s.Processing++
		case domain.JobReady, domain.JobReadyPartial:
			s.Ready++
		case domain.JobFailed:
			s.Failed++
		}
	}
	return s, nil
}

// MarkExpired transitions one job to expired. It does not check the
// artifact's expiry and does not delete the blob: the purge worker's
// SweepExpiredArtifacts does both through ArtifactStore before calling it.
func (m *Manager) MarkExpired(ctx context.Context, jobID string, now time.Time) error {
	return m.store.TxnReadModifyWrite(ctx, collectionJobs, jobID, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			return nil, false, nil
		}
		j, err := decodeJob(current)
		if err != nil {
			return nil, false, err
		}
		j.Status = domain.JobExpired
		doc, err := encodeJob(j)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil
	})
}
