package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/routespark/core/internal/docstore"
	"github.com/routespark/core/internal/jobqueue"
)

// PurgeSources implements jobqueue.DeletionSources over the three
// backends a delivery's archived data lives in: the document store's
// cached forecast entries, the delivery's archive object in blob storage,
// and the local staging directory.
type PurgeSources struct {
	docs     docstore.Store
	blobs    jobqueue.ArtifactStore
	stageDir string
}

// NewPurgeSources constructs a PurgeSources rooted at stageDir for the
// filesystem backend.
func NewPurgeSources(docs docstore.Store, blobs jobqueue.ArtifactStore, stageDir string) *PurgeSources {
	return &PurgeSources{docs: docs, blobs: blobs, stageDir: stageDir}
}

// DeleteDocStoreEntries removes the cached forecast documents keyed to
// the (route, delivery) pair. Payload IDs are route:date:schedule, so
// every schedule's candidate ID is deleted directly; deleting an absent
// document is a no-op per the docstore contract.
func (p *PurgeSources) DeleteDocStoreEntries(ctx context.Context, route string, delivery time.Time) error {
	prefix := route + ":" + delivery.Format("2006-01-02") + ":"
	for _, sched := range []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"} {
		if err := p.docs.Delete(ctx, "forecasts", prefix+sched); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlobPrefix removes the delivery's archive object,
// archives/{route}/{date}.zip. Only that one key is deleted; export
// artifacts (exports/{route}/{job}.zip) are removed by the artifact TTL
// sweep.
func (p *PurgeSources) DeleteBlobPrefix(ctx context.Context, route string, delivery time.Time) error {
	key := fmt.Sprintf("archives/%s/%s.zip", route, delivery.Format("2006-01-02"))
	return p.blobs.Delete(ctx, key)
}

// DeleteFilesystemDir removes the local staging directory for the
// delivery, if any. A missing directory is a no-op.
func (p *PurgeSources) DeleteFilesystemDir(_ context.Context, route string, delivery time.Time) error {
	dir := filepath.Join(p.stageDir, "staging", route, delivery.Format("2006-01-02"))
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
