package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/core/internal/database"
	"github.com/routespark/core/internal/database/migrations"
	"github.com/routespark/core/internal/docstore/memstore"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
)

type fakeSources struct {
	mu        sync.Mutex
	docCalls  int
	blobCalls int
	fsCalls   int
	failDoc   bool
}

func (f *fakeSources) DeleteDocStoreEntries(ctx context.Context, route string, delivery time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docCalls++
	if f.failDoc {
		return fmt.Errorf("simulated doc store failure")
	}
	return nil
}

func (f *fakeSources) DeleteBlobPrefix(ctx context.Context, route string, delivery time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobCalls++
	return nil
}

func (f *fakeSources) DeleteFilesystemDir(ctx context.Context, route string, delivery time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fsCalls++
	return nil
}

func newTestRelStore(t *testing.T) *relstore.Store {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file::memory:?cache=shared",
		Profile: database.ProfileStandard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Apply(db.Conn()))

	return relstore.New(db)
}

func TestPurgeDelivery_CompletesAcrossAllSourcesAndIsIdempotent(t *testing.T) {
	rel := newTestRelStore(t)
	sources := &fakeSources{}
	clock := routeclock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	cfg := testConfig()
	m := New(memstore.New(clock.Now), clock, cfg, "purge-1", zerolog.Nop())
	artifact := NewMemoryArtifactStore()
	worker := NewPurgeWorker(m, rel, sources, artifact, clock, cfg, zerolog.Nop())

	delivery := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, worker.PurgeDelivery(context.Background(), "989262", delivery, "evt-1"))
	assert.Equal(t, 1, sources.docCalls)
	assert.Equal(t, 1, sources.blobCalls)
	assert.Equal(t, 1, sources.fsCalls)

	cp, err := rel.GetPurgeCheckpoint(context.Background(), "989262", delivery)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, domain.PurgeCompleted, cp.Status)

	// Re-running must be a no-op: a completed checkpoint short-circuits
	// the whole operation, so no deletion source is touched again.
	require.NoError(t, worker.PurgeDelivery(context.Background(), "989262", delivery, "evt-2"))
	assert.Equal(t, 1, sources.docCalls, "completed checkpoint must prevent re-deletion")
	assert.Equal(t, 1, sources.blobCalls)
	assert.Equal(t, 1, sources.fsCalls)
}

func TestPurgeDelivery_FailureLeavesCheckpointRetryable(t *testing.T) {
	rel := newTestRelStore(t)
	sources := &fakeSources{failDoc: true}
	clock := routeclock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	cfg := testConfig()
	m := New(memstore.New(clock.Now), clock, cfg, "purge-1", zerolog.Nop())
	artifact := NewMemoryArtifactStore()
	worker := NewPurgeWorker(m, rel, sources, artifact, clock, cfg, zerolog.Nop())

	delivery := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	err := worker.PurgeDelivery(context.Background(), "989262", delivery, "evt-1")
	require.Error(t, err)

	cp, err := rel.GetPurgeCheckpoint(context.Background(), "989262", delivery)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, domain.PurgeFailed, cp.Status)

	// A second attempt, now with the failure cleared, must still proceed
	// (a failed checkpoint never short-circuits retries).
	sources.failDoc = false
	require.NoError(t, worker.PurgeDelivery(context.Background(), "989262", delivery, "evt-2"))
	cp, err = rel.GetPurgeCheckpoint(context.Background(), "989262", delivery)
	require.NoError(t, err)
	assert.Equal(t, domain.PurgeCompleted, cp.Status)
}

func TestSweepExpiredArtifacts_DeletesOnlyPastTTL(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := routeclock.NewFake(now)
	cfg := testConfig()
	store := memstore.New(clock.Now)
	m := New(store, clock, cfg, "purge-1", zerolog.Nop())
	artifact := NewMemoryArtifactStore()
	_, _ = artifact.Upload(context.Background(), "exports/expired.csv", []byte("data"))
	_, _ = artifact.Upload(context.Background(), "exports/fresh.csv", []byte("data"))

	expired := domain.QueueJob{
		ID: "job-expired", Kind: domain.JobKindExport, Status: domain.JobReady,
		CreatedAt: now.AddDate(0, 0, -20),
		Artifact:  &domain.Artifact{StoragePath: "exports/expired.csv", ExpiresAt: now.AddDate(0, 0, -1)},
	}
	fresh := domain.QueueJob{
		ID: "job-fresh", Kind: domain.JobKindExport, Status: domain.JobReady,
		CreatedAt: now.AddDate(0, 0, -1),
		Artifact:  &domain.Artifact{StoragePath: "exports/fresh.csv", ExpiresAt: now.AddDate(0, 13, 0)},
	}
	for _, j := range []domain.QueueJob{expired, fresh} {
		doc, err := encodeJob(j)
		require.NoError(t, err)
		require.NoError(t, store.Set(context.Background(), collectionJobs, j.ID, doc))
	}

	worker := NewPurgeWorker(m, nil, nil, artifact, clock, cfg, zerolog.Nop())
	n, err := worker.SweepExpiredArtifacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, stillThere := artifact.Get("exports/fresh.csv")
	assert.True(t, stillThere, "artifact within TTL must not be swept")
	_, expiredGone := artifact.Get("exports/expired.csv")
	assert.False(t, expiredGone, "artifact past TTL must be deleted")

	doc, err := store.Get(context.Background(), collectionJobs, "job-expired")
	require.NoError(t, err)
	decoded, err := decodeJob(doc)
	require.NoError(t, err)
	assert.Equal(t, domain.JobExpired, decoded.Status)
}
