// Package backtest implements the walk-forward backtester (C8): per-fold
// re-training and prediction over truncated order history, per-fold and
// per-source metrics, and scorecard aggregation against a naive baseline.
package backtest

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/features"
	"github.com/routespark/core/internal/forecast"
	"github.com/routespark/core/internal/relstore"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

// Options parameterizes one walk-forward run.
type Options struct {
	MinTrainOrders       int     // fold index floor; default 8
	MaxFolds             int     // caps the number of folds evaluated; default 50
	TargetCoverage       float64 // default 0.80
	HighRemovalThreshold float64 // correction removal rate considered "high"; default 0.30
	Calendar             *routeclock.Calendar
}

func (o Options) withDefaults() Options {
	if o.MinTrainOrders <= 0 {
		o.MinTrainOrders = 8
	}
	if o.MaxFolds <= 0 {
		o.MaxFolds = 50
	}
	if o.TargetCoverage <= 0 {
		o.TargetCoverage = 0.80
	}
	if o.HighRemovalThreshold <= 0 {
		o.HighRemovalThreshold = 0.30
	}
	return o
}

// lineResult is one (store, sap) prediction/actual pair within a fold.
type lineResult struct {
	Store       string
	SAP         string
	Predicted   float64
	Actual      float64
	Lag1        float64
	P10, P90    float64
	Source      string
	SlowMover   bool
	StaleDays   int
	RemovalRate float64
}

// FoldMetrics is the per-fold metric record.
type FoldMetrics struct {
	FoldIndex       int
	DeliveryDate    string
	MAE             float64
	RMSE            float64
	WAPE            float64
	SAPWAPE         float64
	CaseMatchRate   float64
	OrderWAPE       float64
	ExactMatchRate  float64
	BandCoverage    float64
	UnderRate       float64
	OverRate        float64
	AvgBandWidth    float64
	MedianBandWidth float64
	ZeroTouch       bool
	SampleLines     int

	SlowMoverWAPE    float64
	Stale14WAPE      float64
	Stale21WAPE      float64
	HighRemovalWAPE  float64
}

// SourceMetrics is the per-source-tag breakdown, excluding the
// synthetic "missing_pred" source.
type SourceMetrics struct {
	Source       string
	LineCount    int
	WAPE         float64
	BandCoverage float64
	UnderRate    float64
	OverRate     float64
	AvgBandWidth float64
}

// Scorecard is the (route, schedule) aggregation: sample-line-weighted
// means plus improvement against a naive baseline.
type Scorecard struct {
	Route             string
	Schedule          string
	SampleLines       int
	FoldCount         int
	WeightedWAPE      float64
	WeightedCoverage  float64
	WeightedUnderRate float64
	WeightedOverRate  float64
	AvgBandWidth      float64
	ZeroTouchRate     float64
	ImprovementPct    float64 // positive means the model beats copy-last-order
}

// Result bundles everything one RunRouteSchedule call produces.
type Result struct {
	Scorecard Scorecard
	Folds     []FoldMetrics
	Sources   []SourceMetrics
}

// RunRouteSchedule runs the walk-forward backtest for one (route, schedule)
// pair. Folds only ever read history strictly before their own anchor
// date, so they are independent and run concurrently via errgroup, bounded
// by GOMAXPROCS — this only affects wall-clock time, not the result, since
// ordering and content are identical to running folds serially.
func RunRouteSchedule(ctx context.Context, rel *relstore.Store, route, scheduleKey string, cfg *config.Config, opts Options) (Result, error) {
	opts = opts.withDefaults()

	orders, err := rel.AllOrders(ctx, route, &scheduleKey)
	if err != nil {
		return Result{}, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].DeliveryDate.Before(orders[j].DeliveryDate) })

	n := len(orders)
	if n <= opts.MinTrainOrders {
		return Result{}, rserrors.New(rserrors.InsufficientHistory, "not enough finalized orders to run a single fold")
	}

	lastFold := n - 1
	firstFold := opts.MinTrainOrders
	if lastFold-firstFold+1 > opts.MaxFolds {
		lastFold = firstFold + opts.MaxFolds - 1
	}

	foldIdx := make([]int, 0, lastFold-firstFold+1)
	for k := firstFold; k <= lastFold; k++ {
		foldIdx = append(foldIdx, k)
	}

	folds := make([]FoldMetrics, len(foldIdx))
	sourceLines := make([][]lineResult, len(foldIdx))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, k := range foldIdx {
		i, k := i, k
		g.Go(func() error {
			fm, lines, err := runFold(gctx, rel, route, scheduleKey, orders, k, cfg, opts)
			if err != nil {
				return err
			}
			folds[i] = fm
			sourceLines[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var allLines []lineResult
	for _, ls := range sourceLines {
		allLines = append(allLines, ls...)
	}

	return Result{
		Scorecard: aggregateScorecard(route, scheduleKey, folds, allLines),
		Folds:     folds,
		Sources:   aggregateSources(allLines),
	}, nil
}

// runFold trains on orders[:k] and predicts the k-th order's lines,
// returning both the fold's aggregate metrics and its raw line results
// (the latter feed scorecard and per-source aggregation).
func runFold(ctx context.Context, rel *relstore.Store, route, scheduleKey string, orders []domain.Order, k int, cfg *config.Config, opts Options) (FoldMetrics, []lineResult, error) {
	target := orders[k]
	trainOrders := orders[:k]
	extendedOrders := orders[:k+1]

	corrections, err := rel.CorrectionsUpTo(ctx, route, scheduleKey, target.DeliveryDate)
	if err != nil {
		return FoldMetrics{}, nil, err
	}

	buildOpts := features.BuildOptions{Calendar: opts.Calendar, Route: route, Schedule: scheduleKey}
	extendedFrame, err := features.BuildFrame(extendedOrders, corrections, buildOpts)
	if err != nil {
		return FoldMetrics{}, nil, err
	}

	var trainRows, targetRows []features.Row
	for _, r := range extendedFrame.Rows {
		if r.DeliveryDate.Before(target.DeliveryDate) {
			trainRows = append(trainRows, r)
		} else if r.DeliveryDate.Equal(target.DeliveryDate) {
			targetRows = append(targetRows, r)
		}
	}

	correctedSamples := 0
	for _, c := range corrections {
		correctedSamples += c.SampleCount
	}

	sel := forecast.SelectMode(forecast.SelectorInput{
		ScheduleOrders:       len(trainOrders),
		CorrectedOrders:      correctedSamples,
		ScheduleConfigValid:  true,
		ScheduleAmbiguous:    false,
		StoreTotalOrders:     len(trainOrders),
		StoreSchedulesWithMin: 1,
	}, cfg)

	var lines []lineResult
	if sel == forecast.ModeCopyLastOrder {
		for _, r := range targetRows {
			item := forecast.CopyLastOrderItem(r.Store, r.SAP, int(r.Lag1))
			lines = append(lines, lineResult{
				Store: r.Store, SAP: r.SAP, Predicted: float64(item.RecommendedUnits),
				Actual: r.Units, Lag1: r.Lag1, P10: item.P10, P90: item.P90, Source: item.Source,
				SlowMover: r.IsSlowMover, StaleDays: r.DaysSinceLastOrder, RemovalRate: r.CorrRemovalRate,
			})
		}
	} else {
		if len(trainRows) == 0 {
			return FoldMetrics{}, nil, rserrors.New(rserrors.InsufficientHistory, "no training rows available for this fold")
		}
		reg := forecast.NewRidgeRegressor(1.0)
		X := make([][]float64, len(trainRows))
		y := make([]float64, len(trainRows))
		for i, r := range trainRows {
			X[i] = r.Vector()
			y[i] = r.Units
		}
		if err := reg.Fit(X, y); err != nil {
			return FoldMetrics{}, nil, err
		}
		for _, r := range targetRows {
			item := forecast.PredictWithRegressor(reg, r, r.Vector(), string(sel))
			lines = append(lines, lineResult{
				Store: r.Store, SAP: r.SAP, Predicted: float64(item.RecommendedUnits),
				Actual: r.Units, Lag1: r.Lag1, P10: item.P10, P90: item.P90, Source: string(sel),
				SlowMover: r.IsSlowMover, StaleDays: r.DaysSinceLastOrder, RemovalRate: r.CorrRemovalRate,
			})
		}
	}

	return computeFoldMetrics(k, target, lines, opts), lines, nil
}

func computeFoldMetrics(k int, target domain.Order, lines []lineResult, opts Options) FoldMetrics {
	fm := FoldMetrics{FoldIndex: k, DeliveryDate: target.DeliveryDate.Format("2006-01-02"), SampleLines: len(lines)}
	if len(lines) == 0 {
		return fm
	}

	var sumAbs, sumSq, sumActual, sumPredicted, widthSum float64
	widths := make([]float64, 0, len(lines))
	exact, covered, under, over := 0, 0, 0, 0

	var slowAbs, slowActual, stale14Abs, stale14Actual, stale21Abs, stale21Actual, removalAbs, removalActual float64

	sapActual := make(map[string]float64)
	sapPredicted := make(map[string]float64)

	for _, l := range lines {
		abs := math.Abs(l.Predicted - l.Actual)
		sumAbs += abs
		sumSq += abs * abs
		sumActual += l.Actual
		sumPredicted += l.Predicted

		if abs < 0.5 {
			exact++
		}
		if l.Actual >= l.P10 && l.Actual <= l.P90 {
			covered++
		}
		if l.Actual > l.P90 {
			under++
		}
		if l.Actual < l.P10 {
			over++
		}
		width := l.P90 - l.P10
		widths = append(widths, width)
		widthSum += width

		sapActual[l.SAP] += l.Actual
		sapPredicted[l.SAP] += l.Predicted

		if l.SlowMover {
			slowAbs += abs
			slowActual += l.Actual
		}
		if l.StaleDays >= 14 {
			stale14Abs += abs
			stale14Actual += l.Actual
		}
		if l.StaleDays >= 21 {
			stale21Abs += abs
			stale21Actual += l.Actual
		}
		if l.RemovalRate >= opts.HighRemovalThreshold {
			removalAbs += abs
			removalActual += l.Actual
		}
	}

	fm.MAE = sumAbs / float64(len(lines))
	fm.RMSE = math.Sqrt(sumSq / float64(len(lines)))
	fm.WAPE = safeDiv(sumAbs, sumActual)
	fm.ExactMatchRate = float64(exact) / float64(len(lines))
	fm.BandCoverage = float64(covered) / float64(len(lines))
	fm.UnderRate = float64(under) / float64(len(lines))
	fm.OverRate = float64(over) / float64(len(lines))
	fm.AvgBandWidth = widthSum / float64(len(lines))
	fm.MedianBandWidth = median(widths)
	fm.ZeroTouch = exact == len(lines)
	fm.OrderWAPE = safeDiv(math.Abs(sumPredicted-sumActual), sumActual)
	fm.SlowMoverWAPE = safeDiv(slowAbs, slowActual)
	fm.Stale14WAPE = safeDiv(stale14Abs, stale14Actual)
	fm.Stale21WAPE = safeDiv(stale21Abs, stale21Actual)
	fm.HighRemovalWAPE = safeDiv(removalAbs, removalActual)

	var sapAbs, sapTotalActual float64
	matchedSAPs := 0
	for sap, actual := range sapActual {
		predicted := sapPredicted[sap]
		sapAbs += math.Abs(predicted - actual)
		sapTotalActual += actual
		if math.Abs(predicted-actual) < 0.5 {
			matchedSAPs++
		}
	}
	fm.SAPWAPE = safeDiv(sapAbs, sapTotalActual)
	if len(sapActual) > 0 {
		fm.CaseMatchRate = float64(matchedSAPs) / float64(len(sapActual))
	}

	return fm
}

func aggregateSources(lines []lineResult) []SourceMetrics {
	byKey := make(map[string]*SourceMetrics)
	var order []string
	for _, l := range lines {
		if l.Source == "missing_pred" {
			continue
		}
		m, ok := byKey[l.Source]
		if !ok {
			m = &SourceMetrics{Source: l.Source}
			byKey[l.Source] = m
			order = append(order, l.Source)
		}
		m.LineCount++
	}
	for _, src := range order {
		m := byKey[src]
		var sumAbs, sumActual, widthSum float64
		covered, under, over := 0, 0, 0
		n := 0
		for _, l := range lines {
			if l.Source != src {
				continue
			}
			sumAbs += math.Abs(l.Predicted - l.Actual)
			sumActual += l.Actual
			if l.Actual >= l.P10 && l.Actual <= l.P90 {
				covered++
			}
			if l.Actual > l.P90 {
				under++
			}
			if l.Actual < l.P10 {
				over++
			}
			widthSum += l.P90 - l.P10
			n++
		}
		m.WAPE = safeDiv(sumAbs, sumActual)
		if n > 0 {
			m.BandCoverage = float64(covered) / float64(n)
			m.UnderRate = float64(under) / float64(n)
			m.OverRate = float64(over) / float64(n)
			m.AvgBandWidth = widthSum / float64(n)
		}
	}
	out := make([]SourceMetrics, 0, len(order))
	for _, src := range order {
		out = append(out, *byKey[src])
	}
	return out
}

func aggregateScorecard(route, schedule string, folds []FoldMetrics, lines []lineResult) Scorecard {
	sc := Scorecard{Route: route, Schedule: schedule, FoldCount: len(folds)}
	if len(folds) == 0 {
		return sc
	}

	var weightedWAPE, weightedCoverage, weightedUnder, weightedOver, weightedWidth, weightedZeroTouch float64
	var totalLines int
	for _, f := range folds {
		w := float64(f.SampleLines)
		weightedWAPE += f.WAPE * w
		weightedCoverage += f.BandCoverage * w
		weightedUnder += f.UnderRate * w
		weightedOver += f.OverRate * w
		weightedWidth += f.AvgBandWidth * w
		if f.ZeroTouch {
			weightedZeroTouch += w
		}
		totalLines += f.SampleLines
	}
	if totalLines > 0 {
		sc.WeightedWAPE = weightedWAPE / float64(totalLines)
		sc.WeightedCoverage = weightedCoverage / float64(totalLines)
		sc.WeightedUnderRate = weightedUnder / float64(totalLines)
		sc.WeightedOverRate = weightedOver / float64(totalLines)
		sc.AvgBandWidth = weightedWidth / float64(totalLines)
		sc.ZeroTouchRate = weightedZeroTouch / float64(totalLines)
	}
	sc.SampleLines = totalLines
	sc.ImprovementPct = improvementOverNaive(lines, sc.WeightedWAPE)
	return sc
}

// improvementOverNaive computes percentage improvement of the model's
// WAPE against a naive "copy last order" baseline: predicting lag_1
// (the quantity actually shipped last time) for every line.
func improvementOverNaive(lines []lineResult, modelWAPE float64) float64 {
	var naiveAbs, naiveActual float64
	for _, l := range lines {
		naiveAbs += math.Abs(l.Lag1 - l.Actual)
		naiveActual += l.Actual
	}
	naiveWAPE := safeDiv(naiveAbs, naiveActual)
	if naiveWAPE == 0 {
		return 0
	}
	return (naiveWAPE - modelWAPE) / naiveWAPE * 100
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
