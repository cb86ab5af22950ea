package forecastcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/routespark/core/internal/docstore"
	"github.com/routespark/core/internal/domain"
)

const collectionTransferSuggestions = "transfer_suggestions"

// CasePackLookup resolves the catalog case-pack size for a SAP; the
// planner never guesses a case pack on its own.
type CasePackLookup interface {
	CasePack(ctx context.Context, sap string) (int, error)
}

func transferDocID(deliveryDate, schedule, from, to, sap string) string {
	return fmt.Sprintf("forecast:%s:%s:%s:%s:%s", deliveryDate, schedule, from, to, sap)
}

func encodeTransfer(s domain.TransferSuggestion) (docstore.Document, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeTransfer(doc docstore.Document) (domain.TransferSuggestion, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.TransferSuggestion{}, err
	}
	var s domain.TransferSuggestion
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.TransferSuggestion{}, err
	}
	return s, nil
}

type routeDemand struct {
	route string
	units int
}

// PlanTransfers derives and persists cross-route pooled-demand transfer
// suggestions for one (delivery_date, schedule) cycle. It is only ever
// invoked for a group whose pooling policy is eligible_list or
// auto_slow_movers; the caller gates the feature flag.
func (c *Cache) PlanTransfers(ctx context.Context, group domain.RouteGroup, deliveryDate, schedule string, now time.Time, casePack CasePackLookup) ([]domain.TransferSuggestion, error) {
	if group.Policy != domain.PoolingEligibleList && group.Policy != domain.PoolingAutoSlowMovers {
		return nil, nil
	}

	deliveryDay, err := time.Parse("2006-01-02", deliveryDate)
	if err != nil {
		return nil, fmt.Errorf("forecastcache: bad delivery date %q: %w", deliveryDate, err)
	}

	demandBySAP := map[string][]routeDemand{}
	for _, route := range group.Routes {
		payload, err := c.GetPayload(ctx, route, deliveryDate, schedule, now)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			continue
		}
		perSAP := map[string]int{}
		for _, item := range payload.Items {
			perSAP[item.SAP] += item.RecommendedUnits
		}
		for sap, units := range perSAP {
			demandBySAP[sap] = append(demandBySAP[sap], routeDemand{route: route, units: units})
		}
	}

	patterns, err := c.rel.TransferPatternsForRoutes(ctx, group.Routes)
	if err != nil {
		return nil, err
	}
	allowed := map[[3]string]bool{}
	for _, p := range patterns {
		allowed[[3]string{p.FromRoute, p.ToRoute, p.SAP}] = true
	}

	var candidates []domain.TransferSuggestion
	saps := make([]string, 0, len(demandBySAP))
	for sap := range demandBySAP {
		saps = append(saps, sap)
	}
	sort.Strings(saps)

	for _, sap := range saps {
		demands := demandBySAP[sap]
		if len(demands) < 2 {
			continue
		}
		pack, err := casePack.CasePack(ctx, sap)
		if err != nil {
			return nil, err
		}
		if pack <= 0 {
			pack = 1
		}

		for _, small := range demands {
			if small.units >= pack {
				continue
			}
			purchase, ok := pickPurchaseRoute(demands, group.MasterRoute, small.route)
			if !ok {
				continue
			}
			if !allowed[[3]string{purchase.route, small.route, sap}] {
				continue
			}
			suggestion := domain.TransferSuggestion{
				ID:           transferDocID(deliveryDate, schedule, purchase.route, small.route, sap),
				DeliveryDate: deliveryDay,
				Schedule:     schedule,
				FromRoute:    purchase.route,
				ToRoute:      small.route,
				SAP:          sap,
				Units:        small.units,
				Status:       domain.TransferActive,
				UpdatedAt:    now,
			}
			candidates = append(candidates, suggestion)
		}
	}

	if err := c.reconcileSuggestions(ctx, group, deliveryDate, schedule, candidates, now); err != nil {
		return nil, err
	}

	for _, s := range candidates {
		doc, err := encodeTransfer(s)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, collectionTransferSuggestions, s.ID, doc); err != nil {
			return nil, err
		}
	}

	return candidates, nil
}

// pickPurchaseRoute chooses the master route if it carries demand for this
// SAP (and isn't the small route itself), otherwise the route with the
// highest demand excluding the small route.
func pickPurchaseRoute(demands []routeDemand, masterRoute, smallRoute string) (routeDemand, bool) {
	var best routeDemand
	found := false
	for _, d := range demands {
		if d.route == smallRoute {
			continue
		}
		if d.route == masterRoute && d.units > 0 {
			return d, true
		}
		if !found || d.units > best.units {
			best = d
			found = true
		}
	}
	return best, found
}

// reconcileSuggestions deletes (or cancels, if reserved) previously
// emitted suggestions for this cycle that no longer appear among the
// freshly computed candidates.
func (c *Cache) reconcileSuggestions(ctx context.Context, group domain.RouteGroup, deliveryDate, schedule string, fresh []domain.TransferSuggestion, now time.Time) error {
	fromRoutes := map[string]bool{}
	for _, r := range group.Routes {
		fromRoutes[r] = true
	}
	freshIDs := map[string]bool{}
	for _, s := range fresh {
		freshIDs[s.ID] = true
	}

	docs, err := c.store.StreamCollection(ctx, collectionTransferSuggestions)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		existing, err := decodeTransfer(doc)
		if err != nil {
			continue
		}
		if existing.Schedule != schedule || !fromRoutes[existing.FromRoute] && !fromRoutes[existing.ToRoute] {
			continue
		}
		if existing.ID != transferDocID(deliveryDate, schedule, existing.FromRoute, existing.ToRoute, existing.SAP) {
			continue
		}
		if freshIDs[existing.ID] {
			continue
		}
		if existing.Status == domain.TransferReserved {
			existing.Status = domain.TransferCanceled
			existing.UpdatedAt = now
			updated, err := encodeTransfer(existing)
			if err != nil {
				return err
			}
			if err := c.store.Set(ctx, collectionTransferSuggestions, existing.ID, updated); err != nil {
				return err
			}
			continue
		}
		if err := c.store.Delete(ctx, collectionTransferSuggestions, existing.ID); err != nil {
			return err
		}
	}
	return nil
}
