// Package forecastcache implements the forecast cache & transfer planner
// (C11): TTL'd forecast payload writes with delete-then-write semantics,
// the cross-cycle staleness check against finalized orders, and the
// pooled cross-route transfer-suggestion writer.
package forecastcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/routespark/core/internal/docstore"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/relstore"
)

const collectionForecasts = "forecasts"

// Cache writes and reads ForecastPayloads through the document store and
// evaluates their staleness against the relational store's finalized-
// order timestamps.
type Cache struct {
	store docstore.Store
	rel   *relstore.Store

	// staleness collapses concurrent last-finalized lookups for the same
	// route into one query; every consumer polling the same route pays
	// for a single read.
	staleness singleflight.Group
}

// New constructs a Cache.
func New(store docstore.Store, rel *relstore.Store) *Cache {
	return &Cache{store: store, rel: rel}
}

func payloadDocID(route, deliveryDate, schedule string) string {
	return fmt.Sprintf("%s:%s:%s", route, deliveryDate, schedule)
}

func encodePayload(p domain.ForecastPayload) (docstore.Document, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodePayload(doc docstore.Document) (domain.ForecastPayload, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.ForecastPayload{}, err
	}
	var p domain.ForecastPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.ForecastPayload{}, err
	}
	return p, nil
}

// WritePayload deletes any existing payload document for the same
// (route, delivery_date, schedule) and writes the new one, so at most
// one payload ever exists per key.
func (c *Cache) WritePayload(ctx context.Context, payload domain.ForecastPayload) error {
	if !payload.Valid() {
		return fmt.Errorf("forecastcache: payload expires_at must be after generated_at")
	}
	id := payloadDocID(payload.Route, payload.DeliveryDate.Format("2006-01-02"), payload.Schedule)
	if err := c.store.Delete(ctx, collectionForecasts, id); err != nil {
		return err
	}
	doc, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, collectionForecasts, id, doc)
}

// GetPayload returns the current payload for (route, delivery_date,
// schedule), or nil if none exists or it has expired. An expired payload
// is treated as absent: forecast generation re-checks GetPayload before
// regenerating, and an expired document never masks a fresh run.
func (c *Cache) GetPayload(ctx context.Context, route, deliveryDate, schedule string, now time.Time) (*domain.ForecastPayload, error) {
	id := payloadDocID(route, deliveryDate, schedule)
	doc, err := c.store.Get(ctx, collectionForecasts, id)
	if err != nil {
		if _, ok := err.(*docstore.NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	p, err := decodePayload(doc)
	if err != nil {
		return nil, err
	}
	if !p.ExpiresAt.After(now) {
		return nil, nil
	}
	return &p, nil
}

// LookupResult is the only shape a cache consumer ever observes: a
// stale payload is never served silently.
type LookupResult struct {
	ForecastAvailable bool
	Forecast          *domain.ForecastPayload
	IsStale           bool
	StaleReason       string
}

// Lookup returns the cached forecast for (route, delivery_date, schedule)
// together with its staleness verdict. Staleness crosses schedules on
// purpose: finalizing an order on one schedule invalidates any
// cached payload for the route whose generated_at predates that
// finalization, regardless of which schedule produced it.
func (c *Cache) Lookup(ctx context.Context, route, deliveryDate, schedule string, now time.Time) (LookupResult, error) {
	payload, err := c.GetPayload(ctx, route, deliveryDate, schedule, now)
	if err != nil {
		return LookupResult{}, err
	}
	if payload == nil {
		return LookupResult{ForecastAvailable: false}, nil
	}

	v, err, _ := c.staleness.Do(route, func() (any, error) {
		return c.rel.LastFinalizedAt(ctx, route, nil)
	})
	if err != nil {
		return LookupResult{}, err
	}
	lastFinalized := v.(*time.Time)
	if lastFinalized != nil && lastFinalized.After(payload.GeneratedAt) {
		return LookupResult{
			ForecastAvailable: true,
			Forecast:          payload,
			IsStale:           true,
			StaleReason:       "order_finalized_after_forecast",
		}, nil
	}

	return LookupResult{ForecastAvailable: true, Forecast: payload}, nil
}
