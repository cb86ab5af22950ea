package forecast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/core/internal/database"
	"github.com/routespark/core/internal/database/migrations"
	"github.com/routespark/core/internal/docstore/memstore"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/forecastcache"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileStandard,
		Name:    t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(db.Conn()))
	return db
}

func insertOrder(t *testing.T, db *database.DB, id, route, schedule string, delivery time.Time, lines map[string]map[string]int) {
	t.Helper()
	orderDate := delivery.AddDate(0, 0, -3)
	finalized := orderDate.Add(10 * time.Hour)
	_, err := db.Conn().Exec(`
		INSERT INTO orders (id, route, schedule_key, delivery_date, order_date, status, created_at, updated_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, 'finalized', ?, ?, ?)`,
		id, route, schedule, delivery.Unix(), orderDate.Unix(), orderDate.Unix(), finalized.Unix(), finalized.Unix())
	require.NoError(t, err)
	for store, saps := range lines {
		for sap, units := range saps {
			_, err := db.Conn().Exec(`
				INSERT INTO line_items (order_id, store, sap, units, promo, user_adjusted)
				VALUES (?, ?, ?, ?, 0, 0)`, id, store, sap, units)
			require.NoError(t, err)
		}
	}
}

func TestGenerate_ColdStartCopiesLastOrder(t *testing.T) {
	db := newTestDB(t)
	rel := relstore.New(db)
	clock := routeclock.NewFake(time.Date(2025, 1, 28, 12, 0, 0, 0, time.UTC))
	docs := memstore.New(clock.Now)
	cache := forecastcache.New(docs, rel)

	calendar := routeclock.NewCalendar(clock, nil)
	cfg := testConfig()
	cfg.ForecastPayloadTTLHours = 168

	route := domain.Route{
		ID:     "989262",
		Cycles: []domain.OrderCycle{{OrderDay: 1, LoadDay: 4, DeliveryDay: 4}},
	}
	_, err := db.Conn().Exec(`INSERT INTO routes (id, owning_user, timezone_iana, created_at) VALUES (?, 'u1', 'UTC', ?)`,
		route.ID, clock.Now().Unix())
	require.NoError(t, err)

	// Three finalized orders on the monday schedule (Thursday deliveries).
	insertOrder(t, db, "o1", route.ID, "monday", time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
		map[string]map[string]int{"101": {"4521": 8}})
	insertOrder(t, db, "o2", route.ID, "monday", time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC),
		map[string]map[string]int{"101": {"4521": 9}})
	insertOrder(t, db, "o3", route.ID, "monday", time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC),
		map[string]map[string]int{"101": {"4521": 10}, "102": {"7788": 4}})

	gen := NewGenerator(rel, cache, calendar, clock, cfg, nil, zerolog.Nop())

	delivery := time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)
	payload, err := gen.Generate(context.Background(), route, delivery, "monday")
	require.NoError(t, err)

	require.Len(t, payload.Items, 2, "items clone the most recent monday order's lines")
	byKey := map[string]domain.ForecastItem{}
	for _, it := range payload.Items {
		byKey[it.Store+":"+it.SAP] = it
	}

	it := byKey["101:4521"]
	assert.Equal(t, 10, it.RecommendedUnits)
	assert.InDelta(t, 7.0, it.P10, 1e-9)
	assert.InDelta(t, 13.0, it.P90, 1e-9)
	assert.InDelta(t, 0.72, it.Confidence, 1e-9)
	assert.Equal(t, "last_order_anchor", it.Source)
	require.NotNil(t, it.PriorOrderUnits)
	assert.Equal(t, 10, *it.PriorOrderUnits)

	cached, err := cache.GetPayload(context.Background(), route.ID, "2025-01-30", "monday", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, cached, "payload must be written to the cache")
	assert.True(t, cached.ExpiresAt.After(cached.GeneratedAt))
}

func TestGenerate_NoHistoryFailsWithInsufficientHistory(t *testing.T) {
	db := newTestDB(t)
	rel := relstore.New(db)
	clock := routeclock.NewFake(time.Date(2025, 1, 28, 12, 0, 0, 0, time.UTC))
	docs := memstore.New(clock.Now)
	cache := forecastcache.New(docs, rel)

	calendar := routeclock.NewCalendar(clock, nil)
	cfg := testConfig()
	cfg.ForecastPayloadTTLHours = 168

	route := domain.Route{ID: "700001", Cycles: []domain.OrderCycle{{OrderDay: 1, LoadDay: 4, DeliveryDay: 4}}}
	gen := NewGenerator(rel, cache, calendar, clock, cfg, nil, zerolog.Nop())

	_, err := gen.Generate(context.Background(), route, time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC), "monday")
	require.Error(t, err)
	assert.Equal(t, rserrors.InsufficientHistory, rserrors.KindOf(err))
}
