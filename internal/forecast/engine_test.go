package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/rserrors"
)

func testConfig() *config.Config {
	return &config.Config{
		MinScheduleOrdersForML:               7,
		MinCorrectedOrdersForML:              3,
		StrictScheduleValidation:             true,
		AllowStoreContextOnAmbiguousSchedule: true,
		StoreContextMinTotalOrders:           24,
		StoreContextMinPerSchedule:           6,
		StoreContextMinSchedules:             2,
		BandIntervalName:                     "p10_p90",
		WholeCaseRoundThreshold:              0.6,
	}
}

func TestSelectMode_ColdStartWinsFirst(t *testing.T) {
	cfg := testConfig()

	mode := SelectMode(SelectorInput{ScheduleOrders: 3, CorrectedOrders: 0, ScheduleConfigValid: true}, cfg)
	assert.Equal(t, ModeCopyLastOrder, mode, "3 schedule orders is below the cold-start gate")

	mode = SelectMode(SelectorInput{ScheduleOrders: 10, CorrectedOrders: 2, ScheduleConfigValid: true}, cfg)
	assert.Equal(t, ModeCopyLastOrder, mode, "2 corrected orders is below the correction gate")
}

func TestSelectMode_InvalidScheduleForcesScheduleAware(t *testing.T) {
	cfg := testConfig()
	in := SelectorInput{
		ScheduleOrders: 30, CorrectedOrders: 10,
		ScheduleConfigValid:   false,
		StoreTotalOrders:      100,
		StoreSchedulesWithMin: 3,
	}
	assert.Equal(t, ModeScheduleAware, SelectMode(in, cfg),
		"strict validation must override the store-centric depth check")
}

func TestSelectMode_AmbiguousWithFlagOff(t *testing.T) {
	cfg := testConfig()
	cfg.AllowStoreContextOnAmbiguousSchedule = false
	in := SelectorInput{
		ScheduleOrders: 30, CorrectedOrders: 10,
		ScheduleConfigValid: true, ScheduleAmbiguous: true,
		StoreTotalOrders: 100, StoreSchedulesWithMin: 3,
	}
	assert.Equal(t, ModeScheduleAware, SelectMode(in, cfg))
}

func TestSelectMode_StoreCentricWhenDeep(t *testing.T) {
	cfg := testConfig()
	in := SelectorInput{
		ScheduleOrders: 30, CorrectedOrders: 10,
		ScheduleConfigValid:   true,
		StoreTotalOrders:      24,
		StoreSchedulesWithMin: 2,
	}
	assert.Equal(t, ModeStoreCentric, SelectMode(in, cfg))
}

func TestCopyLastOrderItem_Multipliers(t *testing.T) {
	item := CopyLastOrderItem("101", "4521", 10)
	assert.Equal(t, 10, item.RecommendedUnits)
	assert.InDelta(t, 7.0, item.P10, 1e-9)
	assert.InDelta(t, 10.0, item.P50, 1e-9)
	assert.InDelta(t, 13.0, item.P90, 1e-9)
	assert.InDelta(t, 0.72, item.Confidence, 1e-9)
	assert.Equal(t, "last_order_anchor", item.Source)
}

func TestApplyBandCalibration_MonotoneAndNonNegative(t *testing.T) {
	item := domain.ForecastItem{P10: 4, P50: 10, P90: 16}
	band := domain.BandCalibration{BandScale: 1.5, CenterOffset: -3}
	source := domain.SourceCalibration{BandScaleMult: 1.2, CenterOffsetUnits: 1}

	ApplyBandCalibration(&item, band, source)

	assert.LessOrEqual(t, item.P10, item.P50)
	assert.LessOrEqual(t, item.P50, item.P90)
	assert.GreaterOrEqual(t, item.P10, 0.0)
}

func TestApplyBandCalibration_ZeroValuedRowsUseDefaults(t *testing.T) {
	item := domain.ForecastItem{P10: 8, P50: 10, P90: 12}
	ApplyBandCalibration(&item, domain.BandCalibration{}, domain.SourceCalibration{})

	assert.InDelta(t, 8.0, item.P10, 1e-9, "zero scale must be treated as 1.0")
	assert.InDelta(t, 10.0, item.P50, 1e-9)
	assert.InDelta(t, 12.0, item.P90, 1e-9)
}

func TestWholeCaseEnforceSAP_RoundsSumToCaseMultiple(t *testing.T) {
	items := []*domain.ForecastItem{
		{Store: "101", SAP: "4521", RecommendedUnits: 5},
		{Store: "102", SAP: "4521", RecommendedUnits: 7},
		{Store: "103", SAP: "4521", RecommendedUnits: 3},
	}
	require.NoError(t, WholeCaseEnforceSAP(items, 12, 0.6))

	total := 0
	for _, it := range items {
		total += it.RecommendedUnits
		require.NotNil(t, it.WholeCaseAdjustment)
	}
	// 5 and 7 round up (increments 7 and 5 within 0.6*12), 3 rounds down.
	assert.Equal(t, 24, total)
	assert.Equal(t, 0, total%12)
	for _, it := range items {
		assert.Equal(t, "101", it.WholeCaseAdjustment.ResidualStore,
			"every line records the designated residual absorber")
	}
}

func TestWholeCaseEnforceSAP_AllZerosFails(t *testing.T) {
	items := []*domain.ForecastItem{
		{Store: "101", SAP: "4521", RecommendedUnits: 0},
		{Store: "102", SAP: "4521", RecommendedUnits: 0},
	}
	err := WholeCaseEnforceSAP(items, 12, 0.5)
	require.Error(t, err)
	assert.Equal(t, rserrors.WholeCaseInvariantViolation, rserrors.KindOf(err))
}

func TestWholeCaseEnforceSAP_AllRoundedDownKeepsOneCase(t *testing.T) {
	// Every line rounds down (increments exceed the threshold) but real
	// demand existed, so the largest-demand store keeps one case; the
	// equal-demand tie breaks to the lexicographically smaller store ID.
	items := []*domain.ForecastItem{
		{Store: "202", SAP: "4521", RecommendedUnits: 3},
		{Store: "101", SAP: "4521", RecommendedUnits: 3},
	}
	require.NoError(t, WholeCaseEnforceSAP(items, 12, 0.5))

	var absorber *domain.ForecastItem
	total := 0
	for _, it := range items {
		total += it.RecommendedUnits
		if it.RecommendedUnits > 0 {
			absorber = it
		}
	}
	require.NotNil(t, absorber)
	assert.Equal(t, "101", absorber.Store)
	assert.Equal(t, 12, absorber.RecommendedUnits)
	assert.Equal(t, "whole_case_residual", absorber.WholeCaseAdjustment.TriggerReason)
	assert.Equal(t, 12, total)
}

func TestApplyLowQtyFloor_RaisesAndInjects(t *testing.T) {
	delivery := time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)
	payload := &domain.ForecastPayload{
		DeliveryDate: delivery,
		Items: []domain.ForecastItem{
			{Store: "101", SAP: "4521", RecommendedUnits: 2},
		},
	}
	entries := []LowQtyEntry{
		{Store: "101", SAP: "4521", ExpiryDate: delivery.AddDate(0, 0, 2), MinUnitsRequired: 6},
		{Store: "102", SAP: "9001", ExpiryDate: delivery.AddDate(0, 0, 1), MinUnitsRequired: 4},
		{Store: "103", SAP: "9002", ExpiryDate: delivery.AddDate(0, 0, 30), MinUnitsRequired: 9},
	}

	ApplyLowQtyFloor(payload, entries, 7)

	require.Len(t, payload.Items, 2, "out-of-window expiry must not inject")
	assert.Equal(t, 6, payload.Items[0].RecommendedUnits)
	assert.Equal(t, "low_qty_expiry", payload.Items[0].LowQtyReason)

	injected := payload.Items[1]
	assert.Equal(t, "102", injected.Store)
	assert.Equal(t, "expiry_replacement", injected.Source)
	assert.True(t, injected.ExpiryReplacement)
	assert.Equal(t, 4, injected.RecommendedUnits)
}
