// Package jobqueue implements the async job queue (C10): atomic claim,
// heartbeats, lease recovery, retry backoff and idempotent checkpoints
// for export and purge workers, built on the document store's
// single-document transaction primitive.
package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/routespark/core/internal/docstore"
	"github.com/routespark/core/internal/domain"
)

const (
	collectionJobs  = "jobs"
	collectionLocks = "route_locks"
)

// encodeJob round-trips a domain.QueueJob through JSON into a
// docstore.Document, the same approach the SQLite document store uses
// to persist arbitrary shapes without a schema.
func encodeJob(j domain.QueueJob) (docstore.Document, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeJob(doc docstore.Document) (domain.QueueJob, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.QueueJob{}, err
	}
	var j domain.QueueJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return domain.QueueJob{}, err
	}
	return j, nil
}

func encodeLock(l domain.RouteLock) (docstore.Document, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeLock(doc docstore.Document) (domain.RouteLock, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.RouteLock{}, err
	}
	var l domain.RouteLock
	if err := json.Unmarshal(raw, &l); err != nil {
		return domain.RouteLock{}, err
	}
	return l, nil
}

func lockID(route string, kind domain.JobKind) string {
	return route + ":" + string(kind)
}

// lockExpired reports whether a lock's LockedUntil has passed now, which
// the locking-discipline section treats as equivalent to released.
func lockExpired(l domain.RouteLock, now time.Time) bool {
	return l.LockedUntil.Before(now)
}
