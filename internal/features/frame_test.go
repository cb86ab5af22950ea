package features

import (
	"testing"
	"time"

	"github.com/routespark/core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func order(delivery time.Time, store, sap string, units int) domain.Order {
	return domain.Order{
		Route:        "989262",
		DeliveryDate: delivery,
		Status:       domain.OrderFinalized,
		StoreOrders: []domain.StoreOrder{
			{StoreID: store, Lines: []domain.LineItem{{Store: store, SAP: sap, Units: units}}},
		},
	}
}

func TestBuildFrame_DropsRowsWithoutLag1(t *testing.T) {
	orders := []domain.Order{
		order(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), "1001", "SAP1", 10),
		order(time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC), "1001", "SAP1", 14),
	}
	frame, err := BuildFrame(orders, nil, BuildOptions{Schedule: "thursday"})
	require.NoError(t, err)
	require.Len(t, frame.Rows, 1)
	assert.Equal(t, 10.0, frame.Rows[0].Lag1)
	assert.Equal(t, 14.0, frame.Rows[0].Units)
}

func TestBuildFrame_RollingMeanDefaultsToLag1(t *testing.T) {
	orders := []domain.Order{
		order(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), "1001", "SAP1", 10),
		order(time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC), "1001", "SAP1", 14),
	}
	frame, err := BuildFrame(orders, nil, BuildOptions{Schedule: "thursday"})
	require.NoError(t, err)
	require.Len(t, frame.Rows, 1)
	assert.Equal(t, frame.Rows[0].Lag1, frame.Rows[0].RollingMean4)
}

func TestBuildFrame_MultipleStoresAreIndependentSeries(t *testing.T) {
	orders := []domain.Order{
		order(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), "1001", "SAP1", 10),
		order(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), "1002", "SAP1", 40),
		order(time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC), "1001", "SAP1", 12),
		order(time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC), "1002", "SAP1", 44),
	}
	frame, err := BuildFrame(orders, nil, BuildOptions{Schedule: "thursday"})
	require.NoError(t, err)
	require.Len(t, frame.Rows, 2)
	for _, r := range frame.Rows {
		if r.Store == "1001" {
			assert.Equal(t, 10.0, r.Lag1)
		} else {
			assert.Equal(t, 40.0, r.Lag1)
		}
	}
}
