// Package memstore is an in-memory docstore.Store implementation used by
// tests in place of a vendor document store, keeping integration tests on
// preference for real-but-in-memory collaborators over mocks.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/routespark/core/internal/docstore"
)

type collection struct {
	docs        map[string]docstore.Document
	subscribers []chan docstore.ChangeEvent
}

// Store is an in-memory, goroutine-safe docstore.Store.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	clock       func() time.Time
}

// New creates an empty in-memory store. clockFn defaults to time.Now if nil.
func New(clockFn func() time.Time) *Store {
	if clockFn == nil {
		clockFn = time.Now
	}
	return &Store{
		collections: make(map[string]*collection),
		clock:       clockFn,
	}
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]docstore.Document)}
		s.collections[name] = c
	}
	return c
}

func cloneDoc(d docstore.Document) docstore.Document {
	if d == nil {
		return nil
	}
	out := make(docstore.Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// publish is called with s.mu held, so every send races neither the
// subscriber-list mutation nor the close in Subscribe's cancel handler.
func (s *Store) publish(c *collection, ev docstore.ChangeEvent) {
	for _, ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber is slow; drop rather than block the writer. The
			// at-least-once contract is satisfied by resubscription
			// semantics at the caller, not by an unbounded buffer here.
		}
	}
}

// Get implements docstore.Store.
func (s *Store) Get(_ context.Context, collectionName, id string) (docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collectionName)
	doc, ok := c.docs[id]
	if !ok {
		return nil, &docstore.NotFoundError{Collection: collectionName, ID: id}
	}
	return cloneDoc(doc), nil
}

// Set implements docstore.Store.
func (s *Store) Set(_ context.Context, collectionName, id string, doc docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collectionName)
	_, existed := c.docs[id]
	c.docs[id] = cloneDoc(doc)
	changeType := docstore.Modified
	if !existed {
		changeType = docstore.Added
	}
	s.publish(c, docstore.ChangeEvent{Type: changeType, ID: id, Document: cloneDoc(doc)})
	return nil
}

// Update implements docstore.Store.
func (s *Store) Update(_ context.Context, collectionName, id string, patch docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collectionName)
	existing, existed := c.docs[id]
	if !existed {
		existing = docstore.Document{}
	} else {
		existing = cloneDoc(existing)
	}
	for k, v := range patch {
		existing[k] = v
	}
	c.docs[id] = existing
	changeType := docstore.Modified
	if !existed {
		changeType = docstore.Added
	}
	s.publish(c, docstore.ChangeEvent{Type: changeType, ID: id, Document: cloneDoc(existing)})
	return nil
}

// Delete implements docstore.Store. Deleting a non-existent document is a no-op.
func (s *Store) Delete(_ context.Context, collectionName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collectionName)
	if _, ok := c.docs[id]; !ok {
		return nil
	}
	delete(c.docs, id)
	s.publish(c, docstore.ChangeEvent{Type: docstore.Removed, ID: id})
	return nil
}

// StreamCollection implements docstore.Store.
func (s *Store) StreamCollection(_ context.Context, collectionName string) ([]docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collectionName)
	out := make([]docstore.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, cloneDoc(d))
	}
	return out, nil
}

// TxnReadModifyWrite implements docstore.Store. The store-wide mutex
// gives linearizable single-document updates.
func (s *Store) TxnReadModifyWrite(_ context.Context, collectionName, id string, fn func(current docstore.Document) (docstore.Document, bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collectionName)
	current, existed := c.docs[id]
	var currentArg docstore.Document
	if existed {
		currentArg = cloneDoc(current)
	}
	next, ok, err := fn(currentArg)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.docs[id] = cloneDoc(next)
	changeType := docstore.Modified
	if !existed {
		changeType = docstore.Added
	}
	s.publish(c, docstore.ChangeEvent{Type: changeType, ID: id, Document: cloneDoc(next)})
	return nil
}

// Subscribe implements docstore.Store with at-least-once, buffered delivery.
func (s *Store) Subscribe(ctx context.Context, collectionName string) (<-chan docstore.ChangeEvent, error) {
	s.mu.Lock()
	c := s.coll(collectionName)
	ch := make(chan docstore.ChangeEvent, 256)
	c.subscribers = append(c.subscribers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := c.subscribers
		for i, sub := range subs {
			if sub == ch {
				c.subscribers = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// ServerTimestamp implements docstore.Store.
func (s *Store) ServerTimestamp() time.Time {
	return s.clock()
}
