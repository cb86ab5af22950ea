package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/docstore/memstore"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

func testConfig() *config.Config {
	return &config.Config{
		ExportHeartbeatSeconds:     1,
		ExportWorkerTimeoutSeconds: 2700,
		ExportDailyLimitPerRoute:   3,
		RouteExportQueueLimit:      3,
		MaxConcurrentProcessing:    3,
		PurgeHeartbeatSeconds:      1,
		PurgeWorkerTimeoutSeconds:  2700,
	}
}

func newTestManager(now time.Time) (*Manager, *routeclock.Fake) {
	clock := routeclock.NewFake(now)
	store := memstore.New(clock.Now)
	return New(store, clock, testConfig(), "worker-1", zerolog.Nop()), clock
}

func TestEnqueueExport_Dedup(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	ctx := context.Background()

	req := EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	}
	j1, reused1, err := m.EnqueueExport(ctx, req)
	require.NoError(t, err)
	assert.False(t, reused1)

	j2, reused2, err := m.EnqueueExport(ctx, req)
	require.NoError(t, err)
	assert.True(t, reused2)
	assert.Equal(t, j1.ID, j2.ID)
}

func TestEnqueueExport_RejectsFutureRange(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	_, _, err := m.EnqueueExport(context.Background(), EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -3), ToDate: now.AddDate(0, 0, 3),
	})
	require.Error(t, err)
	rsErr, ok := rserrors.As(err)
	require.True(t, ok)
	assert.Equal(t, rserrors.InvalidDateRange, rsErr.Kind)
}

func TestEnqueueExport_RejectsRangeOver31Days(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	_, _, err := m.EnqueueExport(context.Background(), EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -60), ToDate: now.AddDate(0, 0, -3),
	})
	require.Error(t, err)
	rsErr, ok := rserrors.As(err)
	require.True(t, ok)
	assert.Equal(t, rserrors.ExportRangeExceedsMax31Days, rsErr.Kind)
}

func TestEnqueueExport_DailyQuotaPerRequester(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := m.EnqueueExport(ctx, EnqueueRequest{
			Route: "989262", Requester: "u1", Format: "csv",
			FromDate: now.AddDate(0, 0, -10-i), ToDate: now.AddDate(0, 0, -9-i),
		})
		require.NoError(t, err)
	}

	_, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -20), ToDate: now.AddDate(0, 0, -19),
	})
	require.Error(t, err)
	rsErr, ok := rserrors.As(err)
	require.True(t, ok)
	assert.Equal(t, rserrors.ExportDailyLimitReached, rsErr.Kind)
}

func TestEnqueueExport_RouteQueueDepthQuota(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := m.EnqueueExport(ctx, EnqueueRequest{
			Route: "989262", Requester: "u1", Format: "csv",
			FromDate: now.AddDate(0, 0, -10-i), ToDate: now.AddDate(0, 0, -9-i),
		})
		require.NoError(t, err)
	}

	_, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u2", Format: "xlsx",
		FromDate: now.AddDate(0, 0, -20), ToDate: now.AddDate(0, 0, -19),
	})
	require.Error(t, err)
	rsErr, ok := rserrors.As(err)
	require.True(t, ok)
	assert.Equal(t, rserrors.RouteExportQueueFull, rsErr.Kind)
}

func TestClaim_ExactlyOneWinnerUnderConcurrency(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	ctx := context.Background()

	job, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := m.Claim(ctx, domain.JobKindExport)
			if err == nil && claimed != nil && claimed.ID == job.ID {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one goroutine must win the claim race")
}

func TestClaim_RespectsGlobalConcurrencyGate(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.MaxConcurrentProcessing = 1
	clock := routeclock.NewFake(now)
	store := memstore.New(clock.Now)
	m := New(store, clock, cfg, "worker-1", zerolog.Nop())
	ctx := context.Background()

	job1, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "100001", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = m.EnqueueExport(ctx, EnqueueRequest{
		Route: "100002", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	claimed, err := m.Claim(ctx, domain.JobKindExport)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job1.ID, claimed.ID, "FIFO: oldest created_at claimed first")

	second, err := m.Claim(ctx, domain.JobKindExport)
	require.NoError(t, err)
	assert.Nil(t, second, "concurrency gate must block a second claim while one job is processing")
}

func TestClaim_SkipsBusyRoute(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.MaxConcurrentProcessing = 5
	clock := routeclock.NewFake(now)
	store := memstore.New(clock.Now)
	m := New(store, clock, cfg, "worker-1", zerolog.Nop())
	ctx := context.Background()

	_, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)
	job2, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u2", Format: "xlsx",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	first, err := m.Claim(ctx, domain.JobKindExport)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Claim(ctx, domain.JobKindExport)
	require.NoError(t, err)
	assert.Nil(t, second, "second job on the same route must be skipped while route is locked")
	_ = job2
}

func TestHeartbeat_ExtendsRouteLock(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := newTestManager(now)
	ctx := context.Background()

	job, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	claimed, err := m.Claim(ctx, domain.JobKindExport)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(5 * time.Minute)
	require.NoError(t, m.Heartbeat(ctx, job.ID, domain.JobKindExport))

	doc, err := m.store.Get(ctx, collectionLocks, lockID(job.RouteNumber, domain.JobKindExport))
	require.NoError(t, err)
	lock, err := decodeLock(doc)
	require.NoError(t, err)
	assert.True(t, lock.LockedUntil.After(now.Add(10*time.Minute)), "heartbeat must push the lock deadline forward")
}

func TestRecoverStale_RequeuesWithBackoffAndReleasesLock(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, clock := newTestManager(now)
	ctx := context.Background()

	job, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	claimed, err := m.Claim(ctx, domain.JobKindExport)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(time.Hour) // well past staleThreshold for a 2700s timeout

	n, err := m.RecoverStale(ctx, domain.JobKindExport)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := m.store.Get(ctx, collectionJobs, job.ID)
	require.NoError(t, err)
	recovered, err := decodeJob(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, recovered.Status)
	assert.Equal(t, 1, recovered.AttemptCount)
	require.NotNil(t, recovered.RetryAfter)
	assert.Equal(t, clock.Now().Add(60*time.Second), *recovered.RetryAfter)

	_, err = m.store.Get(ctx, collectionLocks, lockID(job.RouteNumber, domain.JobKindExport))
	assert.Error(t, err, "stale recovery must release the route lock")
}

func TestBackoffFor_ExponentialCappedAt1800(t *testing.T) {
	assert.Equal(t, 60*time.Second, backoffFor(1))
	assert.Equal(t, 120*time.Second, backoffFor(2))
	assert.Equal(t, 240*time.Second, backoffFor(3))
	assert.Equal(t, 1800*time.Second, backoffFor(20))
}

func TestFail_RetryableRequeuesUntilAttemptsExhausted(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	ctx := context.Background()

	job, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)
	job.AttemptCount = 0
	job.MaxAttempts = 3

	require.NoError(t, m.Fail(ctx, job, rserrors.ExportProcessingError, "transient s3 failure"))

	doc, err := m.store.Get(ctx, collectionJobs, job.ID)
	require.NoError(t, err)
	retried, err := decodeJob(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, retried.Status, "first retryable failure should requeue, not terminally fail")

	retried.AttemptCount = 2
	require.NoError(t, m.Fail(ctx, retried, rserrors.ExportProcessingError, "transient s3 failure again"))
	doc, err = m.store.Get(ctx, collectionJobs, job.ID)
	require.NoError(t, err)
	final, err := decodeJob(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, final.Status, "attempts exhausted must terminally fail")
}

func TestCancelExport_OnlyQueuedJobsCancelable(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	ctx := context.Background()

	job, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)
	require.NoError(t, m.CancelExport(ctx, job.ID))

	doc, err := m.store.Get(ctx, collectionJobs, job.ID)
	require.NoError(t, err)
	canceled, err := decodeJob(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, canceled.Status)
	assert.True(t, canceled.CanceledByOwner)

	assert.Error(t, m.CancelExport(ctx, job.ID), "canceling an already-terminal job must fail")
}

func TestComplete_ReleasesLockAndAttachesArtifact(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m, _ := newTestManager(now)
	ctx := context.Background()

	job, _, err := m.EnqueueExport(ctx, EnqueueRequest{
		Route: "989262", Requester: "u1", Format: "csv",
		FromDate: now.AddDate(0, 0, -10), ToDate: now.AddDate(0, 0, -3),
	})
	require.NoError(t, err)
	claimed, err := m.Claim(ctx, domain.JobKindExport)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	artifact := domain.Artifact{StoragePath: "exports/989262.csv", SizeBytes: 1024, ExpiresAt: now.AddDate(0, 14, 0)}
	require.NoError(t, m.Complete(ctx, *claimed, false, artifact))

	doc, err := m.store.Get(ctx, collectionJobs, job.ID)
	require.NoError(t, err)
	done, err := decodeJob(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.JobReady, done.Status)
	require.NotNil(t, done.Artifact)
	assert.Equal(t, artifact.StoragePath, done.Artifact.StoragePath)

	_, err = m.store.Get(ctx, collectionLocks, lockID(job.RouteNumber, domain.JobKindExport))
	assert.Error(t, err, "Complete must release the route lock")
}
