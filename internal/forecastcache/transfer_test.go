package forecastcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/core/internal/docstore/memstore"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/routeclock"
)

type fakeCasePack struct {
	packs map[string]int
}

func (f fakeCasePack) CasePack(ctx context.Context, sap string) (int, error) {
	if p, ok := f.packs[sap]; ok {
		return p, nil
	}
	return 1, nil
}

func writeGroupPayloads(t *testing.T, c *Cache, now time.Time, byRoute map[string]int) {
	t.Helper()
	for route, units := range byRoute {
		p := domain.ForecastPayload{
			ForecastID:   "fc-" + route,
			Route:        route,
			DeliveryDate: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
			Schedule:     "monday",
			GeneratedAt:  now,
			ExpiresAt:    now.Add(time.Hour),
			Items: []domain.ForecastItem{
				{Store: "101", SAP: "SAP-1", RecommendedUnits: units},
			},
		}
		require.NoError(t, c.WritePayload(context.Background(), p))
	}
}

func TestPlanTransfers_SkipsWhenPoolingDisabled(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	clock := routeclock.NewFake(now)
	rel := newTestRelStore(t)
	c := New(memstore.New(clock.Now), rel)

	group := domain.RouteGroup{MasterRoute: "100001", Routes: []string{"100001", "100002"}, Policy: ""}
	out, err := c.PlanTransfers(context.Background(), group, "2026-08-03", "monday", now, fakeCasePack{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestPlanTransfers_OnlyEmitsWhenPriorPatternExists(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	clock := routeclock.NewFake(now)
	rel := newTestRelStore(t)
	c := New(memstore.New(clock.Now), rel)

	group := domain.RouteGroup{
		MasterRoute: "100001",
		Routes:      []string{"100001", "100002"},
		Policy:      domain.PoolingEligibleList,
	}
	writeGroupPayloads(t, c, now, map[string]int{"100001": 48, "100002": 2})
	packs := fakeCasePack{packs: map[string]int{"SAP-1": 12}}

	// No prior pattern recorded yet: nothing should be suggested.
	out, err := c.PlanTransfers(context.Background(), group, "2026-08-03", "monday", now, packs)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, rel.RecordTransferPattern(context.Background(), domain.TransferPattern{
		FromRoute: "100001", ToRoute: "100002", SAP: "SAP-1",
	}, now))

	out, err = c.PlanTransfers(context.Background(), group, "2026-08-03", "monday", now, packs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "100001", out[0].FromRoute)
	assert.Equal(t, "100002", out[0].ToRoute)
	assert.Equal(t, "SAP-1", out[0].SAP)
	assert.Equal(t, 2, out[0].Units)
	assert.Equal(t, domain.TransferActive, out[0].Status)
}

func TestPlanTransfers_ReconcilesSuggestionsThatNoLongerApply(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	clock := routeclock.NewFake(now)
	rel := newTestRelStore(t)
	c := New(memstore.New(clock.Now), rel)

	group := domain.RouteGroup{
		MasterRoute: "100001",
		Routes:      []string{"100001", "100002"},
		Policy:      domain.PoolingEligibleList,
	}
	require.NoError(t, rel.RecordTransferPattern(context.Background(), domain.TransferPattern{
		FromRoute: "100001", ToRoute: "100002", SAP: "SAP-1",
	}, now))
	packs := fakeCasePack{packs: map[string]int{"SAP-1": 12}}

	writeGroupPayloads(t, c, now, map[string]int{"100001": 48, "100002": 2})
	first, err := c.PlanTransfers(context.Background(), group, "2026-08-03", "monday", now, packs)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The small route now carries enough of its own demand: the prior
	// suggestion must be removed on the next planning pass.
	writeGroupPayloads(t, c, now.Add(time.Minute), map[string]int{"100001": 48, "100002": 24})
	second, err := c.PlanTransfers(context.Background(), group, "2026-08-03", "monday", now.Add(time.Minute), packs)
	require.NoError(t, err)
	assert.Empty(t, second)

	doc, err := c.store.Get(context.Background(), collectionTransferSuggestions, first[0].ID)
	assert.Nil(t, doc)
	require.Error(t, err)
}
