package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/database"
	"github.com/routespark/core/internal/database/migrations"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

func newTestStore(t *testing.T) (*relstore.Store, *database.DB) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileStandard,
		Name:    t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(db.Conn()))
	return relstore.New(db), db
}

func seedWeeklyOrders(t *testing.T, db *database.DB, route, schedule string, start time.Time, weeks int) {
	t.Helper()
	for i := 0; i < weeks; i++ {
		delivery := start.AddDate(0, 0, 7*i)
		orderDate := delivery.AddDate(0, 0, -3)
		id := fmt.Sprintf("%s-%s-%d", route, schedule, i)
		_, err := db.Conn().Exec(`
			INSERT INTO orders (id, route, schedule_key, delivery_date, order_date, status, created_at, updated_at, finalized_at)
			VALUES (?, ?, ?, ?, ?, 'finalized', ?, ?, ?)`,
			id, route, schedule, delivery.Unix(), orderDate.Unix(), orderDate.Unix(), orderDate.Unix(), orderDate.Unix())
		require.NoError(t, err)

		// A stable base demand with a small deterministic wobble keeps the
		// copy-last-order baseline close but not exact.
		units := 10 + i%3
		_, err = db.Conn().Exec(`
			INSERT INTO line_items (order_id, store, sap, units, promo, user_adjusted)
			VALUES (?, '101', '4521', ?, 0, 0)`, id, units)
		require.NoError(t, err)
		_, err = db.Conn().Exec(`
			INSERT INTO line_items (order_id, store, sap, units, promo, user_adjusted)
			VALUES (?, '102', '7788', ?, 0, 0)`, id, 4+i%2)
		require.NoError(t, err)
	}
}

func backtestConfig() *config.Config {
	return &config.Config{
		MinScheduleOrdersForML:               7,
		MinCorrectedOrdersForML:              3,
		StrictScheduleValidation:             true,
		AllowStoreContextOnAmbiguousSchedule: true,
		StoreContextMinTotalOrders:           24,
		StoreContextMinPerSchedule:           6,
		StoreContextMinSchedules:             2,
	}
}

func TestRunRouteSchedule_InsufficientHistory(t *testing.T) {
	rel, db := newTestStore(t)
	seedWeeklyOrders(t, db, "550123", "monday", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), 4)

	_, err := RunRouteSchedule(context.Background(), rel, "550123", "monday", backtestConfig(),
		Options{Calendar: testCalendar()})
	require.Error(t, err)
	assert.Equal(t, rserrors.InsufficientHistory, rserrors.KindOf(err))
}

func testCalendar() *routeclock.Calendar {
	return routeclock.NewCalendar(routeclock.Real{}, nil)
}

func TestRunRouteSchedule_FoldsAndScorecard(t *testing.T) {
	rel, db := newTestStore(t)
	seedWeeklyOrders(t, db, "550123", "monday", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), 14)

	result, err := RunRouteSchedule(context.Background(), rel, "550123", "monday", backtestConfig(),
		Options{MinTrainOrders: 4, Calendar: testCalendar()})
	require.NoError(t, err)

	// 14 orders with fold indices 4..13 gives 10 folds.
	assert.Len(t, result.Folds, 10)
	assert.Equal(t, 10, result.Scorecard.FoldCount)
	assert.Equal(t, "550123", result.Scorecard.Route)
	assert.Equal(t, "monday", result.Scorecard.Schedule)
	assert.Greater(t, result.Scorecard.SampleLines, 0)

	for _, f := range result.Folds {
		assert.GreaterOrEqual(t, f.WAPE, 0.0)
		assert.GreaterOrEqual(t, f.BandCoverage, 0.0)
		assert.LessOrEqual(t, f.BandCoverage, 1.0)
		assert.GreaterOrEqual(t, f.UnderRate+f.OverRate, 0.0)
		assert.LessOrEqual(t, f.UnderRate+f.OverRate, 1.0)
		assert.Equal(t, 2, f.SampleLines, "each fold predicts both (store, sap) lines")
	}

	// With no corrections ever recorded every fold stays on the cold-start
	// branch, so the per-source breakdown carries exactly that tag.
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "last_order_anchor", result.Sources[0].Source)
	assert.Equal(t, result.Scorecard.SampleLines, result.Sources[0].LineCount)
}

func TestRunRouteSchedule_MaxFoldsCap(t *testing.T) {
	rel, db := newTestStore(t)
	seedWeeklyOrders(t, db, "550123", "monday", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), 14)

	result, err := RunRouteSchedule(context.Background(), rel, "550123", "monday", backtestConfig(),
		Options{MinTrainOrders: 4, MaxFolds: 3, Calendar: testCalendar()})
	require.NoError(t, err)
	assert.Len(t, result.Folds, 3)
	assert.Equal(t, 4, result.Folds[0].FoldIndex, "folds start at min_train_orders")
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, median(nil))
	assert.Equal(t, 3.0, median([]float64{3}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))
}
