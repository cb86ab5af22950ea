// Package retrain implements the retrain orchestrator (C9): the periodic
// per-route loop that detects cycle completion, refreshes the public
// route status, retrains when the gates pass, forecasts the single next
// unordered delivery, runs the calibration hook, and keeps the weekly
// backtest snapshot current.
package retrain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/routespark/core/internal/backtest"
	"github.com/routespark/core/internal/calibration"
	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/docstore"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/features"
	"github.com/routespark/core/internal/forecast"
	"github.com/routespark/core/internal/forecastcache"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
	"github.com/routespark/core/internal/schedule"
)

const collectionRouteStatus = "routes_status"

// routeConcurrency bounds how many routes one tick works on at once.
// Sequencing stays strict within a route; routes are independent.
const routeConcurrency = 4

// Orchestrator drives the per-route retrain/forecast loop.
type Orchestrator struct {
	rel      *relstore.Store
	docs     docstore.Store
	cache    *forecastcache.Cache
	gen      *forecast.Generator
	calendar *routeclock.Calendar
	clock    routeclock.Clock
	cfg      *config.Config
	log      zerolog.Logger

	mu      sync.Mutex
	trained map[string]time.Time // route -> last successful retrain
}

// New constructs an Orchestrator.
func New(rel *relstore.Store, docs docstore.Store, cache *forecastcache.Cache, gen *forecast.Generator, calendar *routeclock.Calendar, clock routeclock.Clock, cfg *config.Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		rel:      rel,
		docs:     docs,
		cache:    cache,
		gen:      gen,
		calendar: calendar,
		clock:    clock,
		cfg:      cfg,
		log:      log.With().Str("component", "retrain").Logger(),
		trained:  make(map[string]time.Time),
	}
}

// Tick runs one full pass over the synced route set. Routes run
// concurrently but a failure on one route never skips the others: each
// route's error is logged and swallowed rather than returned to the
// group.
func (o *Orchestrator) Tick(ctx context.Context) error {
	routes, err := o.rel.Routes(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(routeConcurrency)
	for _, r := range routes {
		route := r
		g.Go(func() error {
			if err := o.runRoute(gctx, route); err != nil {
				o.log.Error().Err(err).Str("route", route.ID).Msg("route tick failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// runRoute executes the six ordered steps for one route.
func (o *Orchestrator) runRoute(ctx context.Context, route domain.Route) error {
	now := o.clock.Now()
	log := o.log.With().Str("route", route.ID).Logger()

	cycleComplete, err := o.cycleComplete(ctx, route, now)
	if err != nil {
		return err
	}

	if err := o.publishStatus(ctx, route, now); err != nil {
		return err
	}

	retrained := false
	if cycleComplete {
		ok, err := o.retrainIfEligible(ctx, route, now)
		if err != nil {
			log.Warn().Err(err).Msg("retrain failed; continuing")
		} else {
			retrained = ok
		}
	}

	if err := o.forecastNextDelivery(ctx, route, now); err != nil {
		switch rserrors.KindOf(err) {
		case rserrors.InsufficientHistory, rserrors.WholeCaseInvariantViolation, rserrors.NoMatchingCycle:
			log.Warn().Err(err).Msg("forecast skipped")
		default:
			return err
		}
	}

	if o.cfg.BandCalibrationEnabled {
		if err := o.calibrateIfDue(ctx, route, now); err != nil {
			log.Warn().Err(err).Msg("band calibration failed; continuing")
		}
	}

	if err := o.refreshSnapshotIfDue(ctx, route, now, retrained); err != nil {
		log.Warn().Err(err).Msg("snapshot refresh failed; continuing")
	}
	return nil
}

// cycleComplete reports whether every schedule in the route's cycle set
// saw at least one order placed in the last 7 days.
func (o *Orchestrator) cycleComplete(ctx context.Context, route domain.Route, now time.Time) (bool, error) {
	seen := make(map[string]bool)
	for _, c := range route.Cycles {
		key := c.ScheduleKey()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		orders, err := o.rel.OrdersInWindow(ctx, route.ID, 7, &key)
		if err != nil {
			return false, err
		}
		if len(orders) == 0 {
			return false, nil
		}
	}
	return len(seen) > 0, nil
}

// publishStatus unconditionally writes the route's public status document.
func (o *Orchestrator) publishStatus(ctx context.Context, route domain.Route, now time.Time) error {
	orders, err := o.rel.AllOrders(ctx, route.ID, nil)
	if err != nil {
		return err
	}

	o.mu.Lock()
	_, hasModel := o.trained[route.ID]
	o.mu.Unlock()

	status := domain.RouteStatus{
		Route:             route.ID,
		OrderCount:        len(orders),
		MinOrdersRequired: o.cfg.MinScheduleOrdersForML,
		HasTrainedModel:   hasModel,
		LastUpdated:       now,
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return o.docs.Set(ctx, collectionRouteStatus, route.ID, doc)
}

// retrainIfEligible fits a fresh model per schedule when every schedule
// carries enough non-holiday orders. Returns true when at least one
// schedule trained successfully.
func (o *Orchestrator) retrainIfEligible(ctx context.Context, route domain.Route, now time.Time) (bool, error) {
	schedules, err := o.rel.SchedulesForRoute(ctx, route.ID)
	if err != nil {
		return false, err
	}
	if len(schedules) == 0 {
		return false, nil
	}

	for _, key := range schedules {
		n, err := o.nonHolidayOrderCount(ctx, route, key)
		if err != nil {
			return false, err
		}
		if n < o.cfg.MinScheduleOrdersForML {
			return false, nil
		}
	}

	trainedAny := false
	for _, key := range schedules {
		if err := o.trainSchedule(ctx, route, key, now); err != nil {
			o.log.Warn().Err(err).Str("route", route.ID).Str("schedule", key).Msg("schedule training failed; continuing")
			continue
		}
		trainedAny = true
	}
	if trainedAny {
		o.mu.Lock()
		o.trained[route.ID] = now
		o.mu.Unlock()
	}
	return trainedAny, nil
}

func (o *Orchestrator) nonHolidayOrderCount(ctx context.Context, route domain.Route, scheduleKey string) (int, error) {
	orders, err := o.rel.AllOrders(ctx, route.ID, &scheduleKey)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ord := range orders {
		if !o.calendar.IsHolidayWeek(route.ID, ord.DeliveryDate) {
			n++
		}
	}
	return n, nil
}

// trainSchedule fits the regressor over the schedule's feature frame.
// The fitted model is thrown away: generation refits per request against
// current history, so training here validates that the data supports a
// fit and records the route as model-backed.
func (o *Orchestrator) trainSchedule(ctx context.Context, route domain.Route, scheduleKey string, now time.Time) error {
	orders, err := o.rel.OrdersInWindow(ctx, route.ID, features.DefaultLookbackDays, &scheduleKey)
	if err != nil {
		return err
	}
	var finalized []domain.Order
	for _, ord := range orders {
		if ord.Status == domain.OrderFinalized {
			finalized = append(finalized, ord)
		}
	}
	corrections, err := o.rel.CorrectionsUpTo(ctx, route.ID, scheduleKey, now)
	if err != nil {
		return err
	}
	frame, err := features.BuildFrame(finalized, corrections, features.BuildOptions{
		Calendar: o.calendar, Route: route.ID, Schedule: scheduleKey,
	})
	if err != nil {
		return err
	}
	if len(frame.Rows) == 0 {
		return rserrors.New(rserrors.InsufficientHistory, "no training rows after lag filtering")
	}

	reg := forecast.NewRidgeRegressor(1.0)
	X := make([][]float64, len(frame.Rows))
	y := make([]float64, len(frame.Rows))
	for i, r := range frame.Rows {
		X[i] = r.Vector()
		y[i] = r.Units
	}
	return reg.Fit(X, y)
}

// forecastNextDelivery resolves the single next unordered delivery and
// generates its forecast unless a non-expired payload already covers it.
// At most one forecast is ever produced per tick per route.
func (o *Orchestrator) forecastNextDelivery(ctx context.Context, route domain.Route, now time.Time) error {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next, err := schedule.NextUnorderedDelivery(ctx, route.ID, today, route.Cycles,
		func(ctx context.Context, date time.Time, key string) (bool, error) {
			return o.rel.HasFinalizedOrder(ctx, route.ID, date, key)
		})
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	existing, err := o.cache.GetPayload(ctx, route.ID, next.DeliveryDate.Format("2006-01-02"), next.ScheduleKey, now)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	if _, err := o.gen.Generate(ctx, route, next.DeliveryDate, next.ScheduleKey); err != nil {
		return err
	}

	if o.cfg.TransferPoolingEnabled {
		if err := o.planTransfers(ctx, route, next, now); err != nil {
			o.log.Warn().Err(err).Str("route", route.ID).Msg("transfer planning failed; continuing")
		}
	}
	return nil
}

// planTransfers runs the pooled transfer-suggestion writer when the
// route belongs to a multi-route group with an eligible pooling policy.
func (o *Orchestrator) planTransfers(ctx context.Context, route domain.Route, next *schedule.NextDelivery, now time.Time) error {
	group, err := o.routeGroup(ctx, route.ID)
	if err != nil {
		return err
	}
	if group == nil {
		return nil
	}
	_, err = o.cache.PlanTransfers(ctx, *group, next.DeliveryDate.Format("2006-01-02"), next.ScheduleKey, now, o.rel)
	return err
}

// routeGroup finds the pooling group containing a route, or nil when the
// route is standalone.
func (o *Orchestrator) routeGroup(ctx context.Context, routeID string) (*domain.RouteGroup, error) {
	docs, err := o.docs.StreamCollection(ctx, "route_groups")
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		raw, err := json.Marshal(d)
		if err != nil {
			continue
		}
		var g domain.RouteGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			continue
		}
		for _, r := range g.Routes {
			if r == routeID {
				return &g, nil
			}
		}
	}
	return nil, nil
}

// calibrateIfDue checks the weekly cadence gate cheaply before paying for
// a backtest, then feeds the fresh scorecard into the calibrator.
func (o *Orchestrator) calibrateIfDue(ctx context.Context, route domain.Route, now time.Time) error {
	schedules, err := o.rel.SchedulesForRoute(ctx, route.ID)
	if err != nil {
		return err
	}
	interval := o.cfg.BandIntervalName
	minGap := time.Duration(o.cfg.BandCalibrationCadenceDays) * 24 * time.Hour

	for _, key := range schedules {
		prior, err := o.rel.GetBandCalibration(ctx, route.ID, key, interval)
		if err != nil {
			return err
		}
		if prior != nil && !prior.LastBacktestAt.IsZero() && now.Sub(prior.LastBacktestAt) < minGap {
			continue
		}

		result, err := backtest.RunRouteSchedule(ctx, o.rel, route.ID, key, o.cfg, backtest.Options{Calendar: o.calendar})
		if err != nil {
			if rserrors.KindOf(err) == rserrors.InsufficientHistory {
				continue
			}
			return err
		}

		scorecard, sources := calibrationInputs(result)
		if _, err := calibration.CalibrateRouteIfDue(ctx, o.rel, o.cfg, route.ID, key, interval, scorecard, sources, now, false); err != nil {
			return err
		}
	}
	return nil
}

// calibrationInputs converts a backtest result into the calibrator's row
// shapes.
func calibrationInputs(result backtest.Result) (calibration.ScorecardRow, []calibration.SourceRow) {
	sc := result.Scorecard
	row := calibration.ScorecardRow{
		Route:            sc.Route,
		Schedule:         sc.Schedule,
		SampleLines:      sc.SampleLines,
		FoldCount:        sc.FoldCount,
		ObservedCoverage: sc.WeightedCoverage,
		TargetCoverage:   0.80,
		UnderRate:        sc.WeightedUnderRate,
		OverRate:         sc.WeightedOverRate,
		AvgWidthUnits:    sc.AvgBandWidth,
	}

	sources := make([]calibration.SourceRow, 0, len(result.Sources))
	for _, s := range result.Sources {
		sources = append(sources, calibration.SourceRow{
			Route:            sc.Route,
			Schedule:         sc.Schedule,
			Source:           s.Source,
			LineCount:        s.LineCount,
			ObservedCoverage: s.BandCoverage,
			TargetCoverage:   0.80,
			UnderRate:        s.UnderRate,
			OverRate:         s.OverRate,
			AvgWidthUnits:    s.AvgBandWidth,
		})
	}
	return row, sources
}

// refreshSnapshotIfDue re-runs the walk-forward backtester when the
// route's refresh state has aged past the cadence, or unconditionally
// when the route retrained this tick.
func (o *Orchestrator) refreshSnapshotIfDue(ctx context.Context, route domain.Route, now time.Time, forced bool) error {
	state, err := o.rel.GetRefreshState(ctx, route.ID)
	if err != nil {
		return err
	}
	minGap := time.Duration(o.cfg.BandCalibrationCadenceDays) * 24 * time.Hour
	if !forced && state != nil && now.Sub(state.LastRefreshedAt) < minGap {
		return nil
	}

	schedules, err := o.rel.SchedulesForRoute(ctx, route.ID)
	if err != nil {
		return err
	}

	folds := 0
	lastErr := ""
	status := "ok"
	for _, key := range schedules {
		result, err := backtest.RunRouteSchedule(ctx, o.rel, route.ID, key, o.cfg, backtest.Options{Calendar: o.calendar})
		if err != nil {
			if rserrors.KindOf(err) == rserrors.InsufficientHistory {
				continue
			}
			status = "error"
			lastErr = err.Error()
			continue
		}
		folds += result.Scorecard.FoldCount
	}

	return o.rel.UpsertRefreshState(ctx, domain.RefreshState{
		Route:           route.ID,
		LastRefreshedAt: now,
		LastStatus:      status,
		LastFoldCount:   folds,
		LastError:       lastErr,
	})
}
