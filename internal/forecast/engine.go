// Package forecast implements the forecast engine (C6): branch
// selection, point/quantile prediction, band calibration application,
// whole-case enforcement, and low-quantity expiry floor injection.
package forecast

import (
	"sort"
	"time"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/features"
	"github.com/routespark/core/internal/rserrors"
)

// Mode is the operational branch the selector resolves per request.
type Mode string

const (
	ModeCopyLastOrder  Mode = "copy_last_order"
	ModeScheduleAware  Mode = "schedule_aware"
	ModeStoreCentric   Mode = "store_centric"
)

// SelectorInput bundles the depth signals the branch selector consults.
type SelectorInput struct {
	ScheduleOrders       int
	CorrectedOrders      int
	ScheduleConfigValid  bool // false when any order_day > delivery_day
	ScheduleAmbiguous    bool // same order_day maps to multiple delivery_days
	StoreTotalOrders     int
	StoreSchedulesWithMin int // count of schedules with >= MinPerSchedule orders each
}

// SelectMode resolves the operational mode by evaluating the branch
// preconditions in order: cold-start gates first, then schedule
// validity, then store-centric depth.
func SelectMode(in SelectorInput, cfg *config.Config) Mode {
	if in.ScheduleOrders < cfg.MinScheduleOrdersForML || in.CorrectedOrders < cfg.MinCorrectedOrdersForML {
		return ModeCopyLastOrder
	}
	if cfg.StrictScheduleValidation && !in.ScheduleConfigValid {
		return ModeScheduleAware
	}
	if in.ScheduleAmbiguous && !cfg.AllowStoreContextOnAmbiguousSchedule {
		return ModeScheduleAware
	}
	if in.StoreTotalOrders >= cfg.StoreContextMinTotalOrders && in.StoreSchedulesWithMin >= cfg.StoreContextMinSchedules {
		return ModeStoreCentric
	}
	return ModeScheduleAware
}

// CopyLastOrderItem clones quantities with the fixed cold-start band:
// p10=0.7q, p50=q, p90=1.3q, confidence=0.72.
func CopyLastOrderItem(store, sap string, q int) domain.ForecastItem {
	return domain.ForecastItem{
		Store:            store,
		SAP:              sap,
		RecommendedUnits: q,
		P10:              0.7 * float64(q),
		P50:              float64(q),
		P90:              1.3 * float64(q),
		Confidence:       0.72,
		Source:           "last_order_anchor",
	}
}

// PredictWithRegressor runs a fitted Regressor over one feature row and
// emits a ForecastItem tagged with the given source label.
func PredictWithRegressor(r Regressor, row features.Row, x []float64, source string) domain.ForecastItem {
	p10, p50, p90 := r.PredictQuantiles(x)
	return domain.ForecastItem{
		Store:            row.Store,
		SAP:              row.SAP,
		RecommendedUnits: int(roundHalfUp(p50)),
		P10:              p10,
		P50:              p50,
		P90:              p90,
		Confidence:       0.5,
		Source:           source,
		Promo:            row.PromoActive,
	}
}

func roundHalfUp(v float64) float64 {
	if v < 0 {
		return 0
	}
	return float64(int(v + 0.5))
}

// ApplyBandCalibration scales p10/p90 around p50, applies the center
// shift, clamps to zero and restores monotonicity, mutating item in
// place.
func ApplyBandCalibration(item *domain.ForecastItem, band domain.BandCalibration, source domain.SourceCalibration) {
	scale := band.BandScale
	if scale == 0 {
		scale = 1.0
	}
	sourceMult := source.BandScaleMult
	if sourceMult == 0 {
		sourceMult = 1.0
	}

	p50 := item.P50
	p10 := p50 - (p50-item.P10)*scale*sourceMult
	p90 := p50 + (item.P90-p50)*scale*sourceMult

	offset := band.CenterOffset + source.CenterOffsetUnits
	p10 += offset
	p50 += offset
	p90 += offset

	if p10 < 0 {
		p10 = 0
	}
	if p50 < 0 {
		p50 = 0
	}
	if p90 < 0 {
		p90 = 0
	}
	if p10 > p90 {
		p10, p90 = p90, p10
	}

	item.P10 = p10
	item.P50 = p50
	item.P90 = p90
	item.RecommendedUnits = int(roundHalfUp(p50))
}

// WholeCaseEnforceSAP rounds each (store, sap) line's recommended_units to
// a whole-case multiple, recording the pre/post adjustment, and corrects
// any residual so the SAP-level sum across stores is an exact multiple of
// casePack. It returns rserrors.WholeCaseInvariantViolation if no
// arrangement of non-negative whole-case quantities satisfies that
// invariant (e.g. every store's raw recommendation is zero).
func WholeCaseEnforceSAP(items []*domain.ForecastItem, casePack int, thresholdFraction float64) error {
	if casePack <= 0 {
		casePack = 1
	}
	if len(items) == 0 {
		return nil
	}

	total := 0
	for _, it := range items {
		pre := it.RecommendedUnits
		rem := pre % casePack
		var post int
		reason := "whole_case_round"
		if rem == 0 {
			post = pre
		} else {
			upIncrement := casePack - rem
			if float64(upIncrement) <= thresholdFraction*float64(casePack) {
				post = pre + upIncrement
			} else {
				post = pre - rem
			}
		}
		it.WholeCaseAdjustment = &domain.WholeCaseAdjustment{
			PreUnits:      pre,
			PostUnits:     post,
			TriggerReason: reason,
		}
		it.RecommendedUnits = post
		it.RecommendedCases = post / casePack
		total += post
	}

	// Every line records which store absorbs this SAP's residual, whether
	// or not an absorption ends up being needed.
	if absorber := pickResidualAbsorber(items); absorber != nil {
		for _, it := range items {
			it.WholeCaseAdjustment.ResidualStore = absorber.Store
		}
	}

	if total == 0 {
		preTotal := 0
		for _, it := range items {
			if it.WholeCaseAdjustment != nil {
				preTotal += it.WholeCaseAdjustment.PreUnits
			}
		}
		if preTotal == 0 {
			return rserrors.New(rserrors.WholeCaseInvariantViolation, "sum of recommended units across stores is zero")
		}
		// Real demand existed but every line rounded down; keep the SAP
		// alive with one case at the absorber store rather than dropping
		// committed shelf space to nothing.
		absorber := pickResidualAbsorberByPre(items)
		if absorber == nil {
			return rserrors.New(rserrors.WholeCaseInvariantViolation, "no store available to absorb whole-case residual")
		}
		absorber.RecommendedUnits = casePack
		absorber.RecommendedCases = 1
		if absorber.WholeCaseAdjustment != nil {
			absorber.WholeCaseAdjustment.PostUnits = casePack
			absorber.WholeCaseAdjustment.ResidualStore = absorber.Store
			absorber.WholeCaseAdjustment.TriggerReason = "whole_case_residual"
		}
		total = casePack
	}

	if total%casePack != 0 {
		return rserrors.New(rserrors.WholeCaseInvariantViolation, "sum of recommended units is not a whole-case multiple")
	}
	return nil
}

// pickResidualAbsorber selects the largest-demand store to absorb the
// whole-case residual, breaking ties by lexicographically smallest store
// ID, keeping the residual placement deterministic across runs.
func pickResidualAbsorber(items []*domain.ForecastItem) *domain.ForecastItem {
	if len(items) == 0 {
		return nil
	}
	sorted := append([]*domain.ForecastItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RecommendedUnits != sorted[j].RecommendedUnits {
			return sorted[i].RecommendedUnits > sorted[j].RecommendedUnits
		}
		return sorted[i].Store < sorted[j].Store
	})
	return sorted[0]
}

// pickResidualAbsorberByPre is pickResidualAbsorber ranked on the
// pre-enforcement units, for the case where every post-enforcement
// quantity has rounded to zero.
func pickResidualAbsorberByPre(items []*domain.ForecastItem) *domain.ForecastItem {
	if len(items) == 0 {
		return nil
	}
	pre := func(it *domain.ForecastItem) int {
		if it.WholeCaseAdjustment != nil {
			return it.WholeCaseAdjustment.PreUnits
		}
		return it.RecommendedUnits
	}
	sorted := append([]*domain.ForecastItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if pre(sorted[i]) != pre(sorted[j]) {
			return pre(sorted[i]) > pre(sorted[j])
		}
		return sorted[i].Store < sorted[j].Store
	})
	return sorted[0]
}

// LowQtyEntry is one external low-quantity-expiry signal.
type LowQtyEntry struct {
	Store            string
	SAP              string
	ExpiryDate       time.Time
	MinUnitsRequired int
}

// ApplyLowQtyFloor raises recommended_units to at least min_units_required
// for any entry whose expiry falls within the delivery's lookahead window,
// injecting a new expiry_replacement item when no forecast item already
// covers that (store, sap).
func ApplyLowQtyFloor(payload *domain.ForecastPayload, entries []LowQtyEntry, daysUntilNextDelivery int) {
	cutoff := payload.DeliveryDate.AddDate(0, 0, daysUntilNextDelivery)

	// Indexed by position, not pointer: appending below may reallocate
	// the items slice, which would leave pointers writing into the old
	// backing array.
	idxByKey := make(map[[2]string]int)
	for i := range payload.Items {
		idxByKey[[2]string{payload.Items[i].Store, payload.Items[i].SAP}] = i
	}

	for _, e := range entries {
		if e.ExpiryDate.After(cutoff) {
			continue
		}
		key := [2]string{e.Store, e.SAP}
		if i, ok := idxByKey[key]; ok {
			it := &payload.Items[i]
			if it.RecommendedUnits < e.MinUnitsRequired {
				it.RecommendedUnits = e.MinUnitsRequired
				it.LowQtyReason = "low_qty_expiry"
			}
			continue
		}
		payload.Items = append(payload.Items, domain.ForecastItem{
			Store:             e.Store,
			SAP:               e.SAP,
			RecommendedUnits:  e.MinUnitsRequired,
			P50:               float64(e.MinUnitsRequired),
			Source:            "expiry_replacement",
			ExpiryReplacement: true,
			LowQtyReason:      "low_qty_expiry",
		})
		idxByKey[key] = len(payload.Items) - 1
	}
}

// PriorOrder is the most recent same-schedule order line for a
// (store, sap) pair, used to populate a forecast item's prior-order
// context regardless of which branch produced the prediction.
type PriorOrder struct {
	Units int
	Date  time.Time
}

// AttachPriorOrderContext populates PriorOrderUnits/PriorOrderDate on
// every item when a same-schedule prior order exists for that
// (store, sap), regardless of which branch produced the prediction.
func AttachPriorOrderContext(items []domain.ForecastItem, priors map[[2]string]PriorOrder) {
	for i := range items {
		key := [2]string{items[i].Store, items[i].SAP}
		if p, ok := priors[key]; ok {
			units := p.Units
			date := p.Date
			items[i].PriorOrderUnits = &units
			items[i].PriorOrderDate = &date
		}
	}
}
