package forecast

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/features"
	"github.com/routespark/core/internal/forecastcache"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
	"github.com/routespark/core/internal/schedule"
)

// LowQtyProvider supplies the external low-quantity expiry entries the
// floor-injection step consumes. The daemon that produces these is an
// out-of-core collaborator; a nil provider disables the step.
type LowQtyProvider interface {
	EntriesForRoute(ctx context.Context, route string) ([]LowQtyEntry, error)
}

// Generator runs the full forecast pipeline for one (route, delivery,
// schedule) request: branch selection, prediction, band calibration,
// whole-case enforcement, low-quantity floors, and the cache write.
type Generator struct {
	rel      *relstore.Store
	cache    *forecastcache.Cache
	calendar *routeclock.Calendar
	clock    routeclock.Clock
	cfg      *config.Config
	lowQty   LowQtyProvider
	log      zerolog.Logger
}

// NewGenerator constructs a Generator. lowQty may be nil.
func NewGenerator(rel *relstore.Store, cache *forecastcache.Cache, calendar *routeclock.Calendar, clock routeclock.Clock, cfg *config.Config, lowQty LowQtyProvider, log zerolog.Logger) *Generator {
	return &Generator{
		rel:      rel,
		cache:    cache,
		calendar: calendar,
		clock:    clock,
		cfg:      cfg,
		lowQty:   lowQty,
		log:      log.With().Str("component", "forecast").Logger(),
	}
}

// Generate produces and caches the ForecastPayload for one next delivery.
// Branch selection, band calibration lookup and whole-case enforcement
// all happen here; a whole-case invariant violation fails the whole
// generation and nothing is written.
func (g *Generator) Generate(ctx context.Context, route domain.Route, deliveryDate time.Time, scheduleKey string) (*domain.ForecastPayload, error) {
	now := g.clock.Now()

	scheduleOrders, correctedOrders, err := g.rel.ScheduleOrderCounts(ctx, route.ID, scheduleKey)
	if err != nil {
		return nil, err
	}

	allOrders, err := g.rel.AllOrders(ctx, route.ID, nil)
	if err != nil {
		return nil, err
	}
	totalOrders, schedulesWithMin := orderDepth(allOrders, g.cfg.StoreContextMinPerSchedule)

	mode := SelectMode(SelectorInput{
		ScheduleOrders:        scheduleOrders,
		CorrectedOrders:       correctedOrders,
		ScheduleConfigValid:   cyclesValid(route.Cycles),
		ScheduleAmbiguous:     cyclesAmbiguous(route.Cycles),
		StoreTotalOrders:      totalOrders,
		StoreSchedulesWithMin: schedulesWithMin,
	}, g.cfg)

	var items []domain.ForecastItem
	switch mode {
	case ModeCopyLastOrder:
		items, err = g.copyLastOrder(allOrders, scheduleKey)
	default:
		items, err = g.predictWithModel(ctx, route, allOrders, deliveryDate, scheduleKey, mode, now)
	}
	if err != nil {
		return nil, err
	}

	if err := g.applyCalibration(ctx, route.ID, scheduleKey, items); err != nil {
		return nil, err
	}

	casePacks, err := g.rel.CasePacks(ctx)
	if err != nil {
		return nil, err
	}
	if err := enforceWholeCases(items, casePacks, g.cfg.WholeCaseRoundThreshold); err != nil {
		return nil, err
	}

	payload := &domain.ForecastPayload{
		ForecastID:   uuid.NewString(),
		Route:        route.ID,
		DeliveryDate: deliveryDate,
		Schedule:     scheduleKey,
		GeneratedAt:  now,
		Items:        items,
		ExpiresAt:    now.Add(time.Duration(g.cfg.ForecastPayloadTTLHours) * time.Hour),
	}

	if g.lowQty != nil {
		entries, err := g.lowQty.EntriesForRoute(ctx, route.ID)
		if err != nil {
			return nil, err
		}
		gap := daysUntilFollowingDelivery(route.Cycles, deliveryDate)
		ApplyLowQtyFloor(payload, entries, gap)
		// Floors can push a SAP total off its whole-case multiple; restore
		// the invariant by topping up, never by cutting a floored line.
		topUpWholeCases(payload.Items, casePacks)
	}

	AttachPriorOrderContext(payload.Items, priorOrders(allOrders, scheduleKey))

	if err := g.cache.WritePayload(ctx, *payload); err != nil {
		return nil, err
	}
	g.log.Info().
		Str("route", route.ID).
		Str("schedule", scheduleKey).
		Str("mode", string(mode)).
		Time("delivery", deliveryDate).
		Int("items", len(payload.Items)).
		Msg("forecast generated")
	return payload, nil
}

// cyclesValid reports whether every cycle satisfies order_day <=
// delivery_day; any violation forces the schedule-aware branch under
// strict validation.
func cyclesValid(cycles []domain.OrderCycle) bool {
	for _, c := range cycles {
		if c.OrderDay > c.DeliveryDay {
			return false
		}
	}
	return true
}

// cyclesAmbiguous reports whether any order_day maps to more than one
// delivery_day across the cycle set.
func cyclesAmbiguous(cycles []domain.OrderCycle) bool {
	deliveries := make(map[int]map[int]bool)
	for _, c := range cycles {
		if deliveries[c.OrderDay] == nil {
			deliveries[c.OrderDay] = make(map[int]bool)
		}
		deliveries[c.OrderDay][c.DeliveryDay] = true
		if len(deliveries[c.OrderDay]) > 1 {
			return true
		}
	}
	return false
}

func orderDepth(orders []domain.Order, minPer int) (total int, schedulesWithMin int) {
	perSchedule := make(map[string]int)
	for _, o := range orders {
		if o.Status != domain.OrderFinalized {
			continue
		}
		total++
		perSchedule[o.ScheduleKey]++
	}
	for _, n := range perSchedule {
		if n >= minPer {
			schedulesWithMin++
		}
	}
	return total, schedulesWithMin
}

// copyLastOrder clones the most recent same-schedule finalized order's
// line quantities with the fixed cold-start band multipliers.
func (g *Generator) copyLastOrder(orders []domain.Order, scheduleKey string) ([]domain.ForecastItem, error) {
	last := mostRecentForSchedule(orders, scheduleKey)
	if last == nil {
		return nil, rserrors.New(rserrors.InsufficientHistory, "no prior order on this schedule to copy")
	}
	var items []domain.ForecastItem
	for _, so := range last.StoreOrders {
		for _, li := range so.Lines {
			items = append(items, CopyLastOrderItem(so.StoreID, li.SAP, li.Units))
		}
	}
	if len(items) == 0 {
		return nil, rserrors.New(rserrors.InsufficientHistory, "most recent order has no line items")
	}
	return items, nil
}

func (g *Generator) predictWithModel(ctx context.Context, route domain.Route, allOrders []domain.Order, deliveryDate time.Time, scheduleKey string, mode Mode, now time.Time) ([]domain.ForecastItem, error) {
	lookbackCutoff := now.AddDate(0, 0, -features.DefaultLookbackDays)
	var trainOrders []domain.Order
	for _, o := range allOrders {
		if o.Status != domain.OrderFinalized || o.DeliveryDate.Before(lookbackCutoff) {
			continue
		}
		if mode != ModeStoreCentric && o.ScheduleKey != scheduleKey {
			continue
		}
		trainOrders = append(trainOrders, o)
	}
	if len(trainOrders) == 0 {
		return nil, rserrors.New(rserrors.InsufficientHistory, "no finalized orders in the lookback window")
	}

	corrections, err := g.rel.CorrectionsUpTo(ctx, route.ID, scheduleKey, now)
	if err != nil {
		return nil, err
	}

	buildOpts := features.BuildOptions{Calendar: g.calendar, Route: route.ID, Schedule: scheduleKey}
	frame, err := features.BuildFrame(trainOrders, corrections, buildOpts)
	if err != nil {
		return nil, err
	}
	if len(frame.Rows) == 0 {
		return nil, rserrors.New(rserrors.InsufficientHistory, "feature frame is empty after lag filtering")
	}

	predFrame, err := features.BuildPredictionFrame(trainOrders, corrections, deliveryDate, buildOpts)
	if err != nil {
		return nil, err
	}
	if len(predFrame.Rows) == 0 {
		return nil, rserrors.New(rserrors.InsufficientHistory, "no (store, sap) pairs with history to predict")
	}

	reg := NewRidgeRegressor(1.0)
	X := make([][]float64, len(frame.Rows))
	y := make([]float64, len(frame.Rows))
	for i, r := range frame.Rows {
		X[i] = r.Vector()
		y[i] = r.Units
	}
	if err := reg.Fit(X, y); err != nil {
		return nil, err
	}

	items := make([]domain.ForecastItem, 0, len(predFrame.Rows))
	for _, r := range predFrame.Rows {
		source := string(mode)
		if r.IsSlowMover {
			source = "slow_intermittent"
		}
		items = append(items, PredictWithRegressor(reg, r, r.Vector(), source))
	}
	return items, nil
}

// applyCalibration looks up the route/schedule band row plus each source
// tag's multiplier row and applies the scale-then-shift procedure per item.
func (g *Generator) applyCalibration(ctx context.Context, route, scheduleKey string, items []domain.ForecastItem) error {
	band, err := g.rel.GetBandCalibration(ctx, route, scheduleKey, g.cfg.BandIntervalName)
	if err != nil {
		return err
	}
	if band == nil {
		band = &domain.BandCalibration{BandScale: 1.0}
	}

	bySource := make(map[string]*domain.SourceCalibration)
	for i := range items {
		src := items[i].Source
		sc, ok := bySource[src]
		if !ok {
			sc, err = g.rel.GetSourceCalibration(ctx, route, scheduleKey, g.cfg.BandIntervalName, src)
			if err != nil {
				return err
			}
			if sc == nil {
				sc = &domain.SourceCalibration{BandScaleMult: 1.0}
			}
			bySource[src] = sc
		}
		ApplyBandCalibration(&items[i], *band, *sc)
	}
	return nil
}

// enforceWholeCases groups items by SAP and runs whole-case enforcement
// per group against the catalog case pack.
func enforceWholeCases(items []domain.ForecastItem, casePacks map[string]int, threshold float64) error {
	groups := groupBySAP(items)
	for _, sap := range sortedKeys(groups) {
		pack := casePacks[sap]
		if pack <= 0 {
			pack = 1
		}
		if err := WholeCaseEnforceSAP(groups[sap], pack, threshold); err != nil {
			return err
		}
	}
	return nil
}

// topUpWholeCases restores the SAP-sum whole-case invariant after floor
// injection by adding units to the largest-demand store. It only ever
// raises quantities: cutting would undo a just-applied expiry floor.
func topUpWholeCases(items []domain.ForecastItem, casePacks map[string]int) {
	groups := groupBySAP(items)
	for _, sap := range sortedKeys(groups) {
		pack := casePacks[sap]
		if pack <= 1 {
			continue
		}
		total := 0
		for _, it := range groups[sap] {
			total += it.RecommendedUnits
		}
		residual := total % pack
		if residual == 0 {
			continue
		}
		absorber := pickResidualAbsorber(groups[sap])
		if absorber == nil {
			continue
		}
		absorber.RecommendedUnits += pack - residual
		absorber.RecommendedCases = absorber.RecommendedUnits / pack
		if absorber.WholeCaseAdjustment != nil {
			absorber.WholeCaseAdjustment.PostUnits = absorber.RecommendedUnits
			absorber.WholeCaseAdjustment.ResidualStore = absorber.Store
			absorber.WholeCaseAdjustment.TriggerReason = "whole_case_residual"
		}
	}
}

func groupBySAP(items []domain.ForecastItem) map[string][]*domain.ForecastItem {
	groups := make(map[string][]*domain.ForecastItem)
	for i := range items {
		groups[items[i].SAP] = append(groups[items[i].SAP], &items[i])
	}
	return groups
}

func sortedKeys(m map[string][]*domain.ForecastItem) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mostRecentForSchedule(orders []domain.Order, scheduleKey string) *domain.Order {
	var best *domain.Order
	for i := range orders {
		o := &orders[i]
		if o.Status != domain.OrderFinalized || o.ScheduleKey != scheduleKey {
			continue
		}
		if best == nil || o.DeliveryDate.After(best.DeliveryDate) {
			best = o
		}
	}
	return best
}

func priorOrders(orders []domain.Order, scheduleKey string) map[[2]string]PriorOrder {
	last := mostRecentForSchedule(orders, scheduleKey)
	priors := make(map[[2]string]PriorOrder)
	if last == nil {
		return priors
	}
	for _, so := range last.StoreOrders {
		for _, li := range so.Lines {
			priors[[2]string{so.StoreID, li.SAP}] = PriorOrder{Units: li.Units, Date: last.DeliveryDate}
		}
	}
	return priors
}

// daysUntilFollowingDelivery scans forward from deliveryDate for the next
// cycle match, bounding the expiry-floor lookahead window. Falls back to
// a week when the cycle set never matches within the scan horizon.
func daysUntilFollowingDelivery(cycles []domain.OrderCycle, deliveryDate time.Time) int {
	for offset := 1; offset <= 14; offset++ {
		if _, err := schedule.ResolveScheduleKey(cycles, deliveryDate.AddDate(0, 0, offset)); err == nil {
			return offset
		}
	}
	return 7
}
