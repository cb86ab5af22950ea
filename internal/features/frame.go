// Package features builds the dense (store, sap, delivery_date) feature
// frame the forecast engine (C6) and backtester (C8) train and predict
// against: lags, rolling means, calendar shape, promo, and correction
// aggregates.
package features

import (
	"sort"
	"time"

	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
)

// DefaultLookbackDays is the default order history window fed to BuildFrame.
const DefaultLookbackDays = 365

// Row is one (store, sap, delivery_date) training or prediction row.
type Row struct {
	Store        string
	SAP          string
	DeliveryDate time.Time
	Schedule     string

	Units float64 // target; zero-valued on prediction rows

	Lag1                  float64
	Lag2                  float64
	RollingMean4          float64
	DayOfWeek             int
	Month                 int
	IsFirstWeekend        bool
	IsLastWeekend         bool
	IsHolidayWeek         bool
	DaysUntilFirstWeekend int
	DaysUntilNextDelivery int
	CoversFirstWeekend    bool
	CoversWeekend         bool
	PromoActive           bool

	CorrSamples     int
	CorrAvgDelta    float64
	CorrAvgRatio    float64
	CorrRatioStddev float64
	CorrRemovalRate float64
	CorrPromoRate   float64

	IsSlowMover        bool
	DaysSinceLastOrder int
}

// Frame is the full set of rows produced for one build.
type Frame struct {
	Rows []Row
}

// Vector extracts the numeric feature vector a Regressor trains and
// predicts against, in a fixed field order shared by the forecast engine
// and the backtester so a fitted model means the same thing in both.
func (r Row) Vector() []float64 {
	return []float64{
		r.Lag1,
		r.Lag2,
		r.RollingMean4,
		float64(r.DayOfWeek),
		float64(r.Month),
		boolToFloat(r.IsFirstWeekend),
		boolToFloat(r.IsLastWeekend),
		boolToFloat(r.IsHolidayWeek),
		float64(r.DaysUntilFirstWeekend),
		float64(r.DaysUntilNextDelivery),
		boolToFloat(r.CoversFirstWeekend),
		boolToFloat(r.CoversWeekend),
		boolToFloat(r.PromoActive),
		float64(r.CorrSamples),
		r.CorrAvgDelta,
		r.CorrAvgRatio,
		r.CorrRatioStddev,
		r.CorrRemovalRate,
		r.CorrPromoRate,
		boolToFloat(r.IsSlowMover),
		float64(r.DaysSinceLastOrder),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// BuildOptions parameterizes BuildFrame.
type BuildOptions struct {
	Calendar           *routeclock.Calendar
	Route              string
	Schedule           string
	LookbackDays       int
	SlowMoverThreshold int // units per delivery below which a SAP is "slow"; default applied when zero
}

// BuildFrame turns finalized orders (already filtered to the lookback
// window by the caller) plus per-(store,sap,schedule) correction
// aggregates into a dense training/prediction frame.
//
// Rows lacking lag_1 (no prior same-store/sap delivery) are dropped. NaN
// handling: lag_2 defaults to 0, rolling_mean_4 defaults to lag_1, and
// numeric covariates otherwise default to 0.
func BuildFrame(orders []domain.Order, corrections []relstore.CorrectionAggregate, opts BuildOptions) (*Frame, error) {
	byKey, keyOrder := buildSeriesIndex(orders)

	corrByKey := make(map[[2]string]relstore.CorrectionAggregate)
	for _, c := range corrections {
		corrByKey[[2]string{c.Store, c.SAP}] = c
	}

	medianGap := medianInterDeliveryGap(orders)

	var rows []Row
	for _, key := range keyOrder {
		s := byKey[key]
		order := sortByDate(s.dates, s.units, s.promos)

		for i, d := range order.dates {
			if i == 0 {
				continue // no lag_1 available: row is dropped
			}
			r := Row{
				Store:        key[0],
				SAP:          key[1],
				DeliveryDate: d,
				Schedule:     opts.Schedule,
				Units:        order.units[i],
				Lag1:         order.units[i-1],
			}
			if i >= 2 {
				r.Lag2 = order.units[i-2]
			}
			r.RollingMean4 = rollingMean4(order.units[:i], r.Lag1)

			r.DayOfWeek = int(routeclock.FromTime(d))
			r.Month = int(d.Month())
			r.IsFirstWeekend = routeclock.IsFirstWeekendOfMonth(d)
			r.IsLastWeekend = routeclock.IsLastWeekendOfMonth(d)
			r.DaysUntilFirstWeekend = routeclock.DaysUntilFirstWeekend(d)
			r.DaysUntilNextDelivery = medianGap
			r.CoversFirstWeekend = routeclock.CoversFirstWeekend(d, r.DaysUntilNextDelivery)
			r.CoversWeekend = routeclock.CoversWeekend(d, r.DaysUntilNextDelivery)
			if opts.Calendar != nil {
				r.IsHolidayWeek = opts.Calendar.IsHolidayWeek(opts.Route, d)
			}
			r.PromoActive = order.promos[i]

			if c, ok := corrByKey[key]; ok {
				r.CorrSamples = c.SampleCount
				r.CorrAvgDelta = c.AvgDelta
				r.CorrAvgRatio = c.AvgRatio
				r.CorrRatioStddev = c.RatioStddev
				r.CorrRemovalRate = c.RemovalRate
				r.CorrPromoRate = c.PromoRate
			}

			threshold := opts.SlowMoverThreshold
			if threshold == 0 {
				threshold = 2
			}
			r.IsSlowMover = r.Lag1 < float64(threshold)
			if i > 0 {
				r.DaysSinceLastOrder = int(d.Sub(order.dates[i-1]).Hours() / 24)
			}

			rows = append(rows, r)
		}
	}

	return &Frame{Rows: rows}, nil
}

type series struct {
	dates  []time.Time
	units  []float64
	promos []bool
}

// buildSeriesIndex groups finalized order line items into a per-(store,sap)
// chronological demand series, shared by BuildFrame and BuildPredictionFrame.
func buildSeriesIndex(orders []domain.Order) (map[[2]string]*series, [][2]string) {
	byKey := make(map[[2]string]*series)
	var keyOrder [][2]string
	for _, o := range orders {
		for _, so := range o.StoreOrders {
			for _, li := range so.Lines {
				key := [2]string{so.StoreID, li.SAP}
				s, ok := byKey[key]
				if !ok {
					s = &series{}
					byKey[key] = s
					keyOrder = append(keyOrder, key)
				}
				s.dates = append(s.dates, o.DeliveryDate)
				s.units = append(s.units, float64(li.Units))
				s.promos = append(s.promos, li.Promo)
			}
		}
	}
	return byKey, keyOrder
}

// BuildPredictionFrame builds one row per (store, sap) pair with known
// history, targeting a future delivery date that has no order yet. Each
// row's lag/rolling-mean covariates come from that pair's most recent
// finalized deliveries; calendar covariates are computed against
// targetDate itself rather than a historical delivery date. Pairs with no
// prior deliveries at all are omitted: a first-ever line has no feature
// history to predict from and is handled upstream by the
// copy-last-order/low-qty paths instead.
func BuildPredictionFrame(orders []domain.Order, corrections []relstore.CorrectionAggregate, targetDate time.Time, opts BuildOptions) (*Frame, error) {
	byKey, keyOrder := buildSeriesIndex(orders)

	corrByKey := make(map[[2]string]relstore.CorrectionAggregate)
	for _, c := range corrections {
		corrByKey[[2]string{c.Store, c.SAP}] = c
	}

	medianGap := medianInterDeliveryGap(orders)

	var rows []Row
	for _, key := range keyOrder {
		s := byKey[key]
		order := sortByDate(s.dates, s.units, s.promos)
		n := len(order.dates)
		if n == 0 {
			continue
		}

		r := Row{
			Store:        key[0],
			SAP:          key[1],
			DeliveryDate: targetDate,
			Schedule:     opts.Schedule,
			Lag1:         order.units[n-1],
		}
		if n >= 2 {
			r.Lag2 = order.units[n-2]
		}
		r.RollingMean4 = rollingMean4(order.units[:n], r.Lag1)

		r.DayOfWeek = int(routeclock.FromTime(targetDate))
		r.Month = int(targetDate.Month())
		r.IsFirstWeekend = routeclock.IsFirstWeekendOfMonth(targetDate)
		r.IsLastWeekend = routeclock.IsLastWeekendOfMonth(targetDate)
		r.DaysUntilFirstWeekend = routeclock.DaysUntilFirstWeekend(targetDate)
		r.DaysUntilNextDelivery = medianGap
		r.CoversFirstWeekend = routeclock.CoversFirstWeekend(targetDate, r.DaysUntilNextDelivery)
		r.CoversWeekend = routeclock.CoversWeekend(targetDate, r.DaysUntilNextDelivery)
		if opts.Calendar != nil {
			r.IsHolidayWeek = opts.Calendar.IsHolidayWeek(opts.Route, targetDate)
		}
		r.PromoActive = order.promos[n-1]

		if c, ok := corrByKey[key]; ok {
			r.CorrSamples = c.SampleCount
			r.CorrAvgDelta = c.AvgDelta
			r.CorrAvgRatio = c.AvgRatio
			r.CorrRatioStddev = c.RatioStddev
			r.CorrRemovalRate = c.RemovalRate
			r.CorrPromoRate = c.PromoRate
		}

		threshold := opts.SlowMoverThreshold
		if threshold == 0 {
			threshold = 2
		}
		r.IsSlowMover = r.Lag1 < float64(threshold)
		r.DaysSinceLastOrder = int(targetDate.Sub(order.dates[n-1]).Hours() / 24)

		rows = append(rows, r)
	}

	return &Frame{Rows: rows}, nil
}

type sortedSeries struct {
	dates  []time.Time
	units  []float64
	promos []bool
}

func sortByDate(dates []time.Time, units []float64, promos []bool) sortedSeries {
	idx := make([]int, len(dates))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return dates[idx[a]].Before(dates[idx[b]]) })

	out := sortedSeries{
		dates:  make([]time.Time, len(idx)),
		units:  make([]float64, len(idx)),
		promos: make([]bool, len(idx)),
	}
	for pos, i := range idx {
		out.dates[pos] = dates[i]
		out.units[pos] = units[i]
		out.promos[pos] = promos[i]
	}
	return out
}

// rollingMean4 averages up to the four most recent prior values; when none
// exist (only possible at i==1 conceptually, but guarded generally) it
// defaults to lag1.
func rollingMean4(priorUnits []float64, lag1 float64) float64 {
	if len(priorUnits) == 0 {
		return lag1
	}
	n := len(priorUnits)
	start := n - 4
	if start < 0 {
		start = 0
	}
	window := priorUnits[start:n]
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

// medianInterDeliveryGap computes the median gap in days between
// consecutive finalized deliveries across the route's order history.
func medianInterDeliveryGap(orders []domain.Order) int {
	dates := make([]time.Time, 0, len(orders))
	for _, o := range orders {
		dates = append(dates, o.DeliveryDate)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	var gaps []int
	for i := 1; i < len(dates); i++ {
		gaps = append(gaps, int(dates[i].Sub(dates[i-1]).Hours()/24))
	}
	if len(gaps) == 0 {
		return 7
	}
	sort.Ints(gaps)
	mid := len(gaps) / 2
	if len(gaps)%2 == 1 {
		return gaps[mid]
	}
	return (gaps[mid-1] + gaps[mid]) / 2
}
