// Package calibration implements the band calibrator (C7): damped
// scale/center updates driven by observed-vs-target coverage, using the
// inverse normal CDF to translate a coverage target into a z-score.
package calibration

import (
	"context"
	"math"
	"time"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/relstore"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinLinesForCalibration is the minimum sample_lines a scorecard row must
// carry before its coverage is trusted to drive a calibration update.
const MinLinesForCalibration = 200

// ScorecardRow is the per (route, schedule) input the backtester produces.
type ScorecardRow struct {
	Route            string
	Schedule         string
	SampleLines      int
	FoldCount        int
	ObservedCoverage float64
	TargetCoverage   float64
	UnderRate        float64
	OverRate         float64
	AvgWidthUnits    float64
}

// SourceRow is the per-source-breakdown input running the same equations
// with tighter bounds and its own sample count.
type SourceRow struct {
	Route            string
	Schedule         string
	Source           string
	LineCount        int
	ObservedCoverage float64
	TargetCoverage   float64
	UnderRate        float64
	OverRate         float64
	AvgWidthUnits    float64
}

// Params bundles the damping/bound knobs the equations use.
type Params struct {
	Damping        float64 // default 1
	MinScale       float64
	MaxScale       float64
	CenterDamping  float64 // default 1
	MaxStepUnits   float64
	MaxCenterAbs   float64
}

// DefaultParams returns the route-level defaults from configuration.
func DefaultParams(cfg *config.Config) Params {
	return Params{
		Damping:       1,
		MinScale:      cfg.BandScaleMin,
		MaxScale:      cfg.BandScaleMax,
		CenterDamping: 1,
		MaxStepUnits:  cfg.BandCenterOffsetMaxAbs,
		MaxCenterAbs:  cfg.BandCenterOffsetMaxAbs,
	}
}

// SourceParams returns the tighter bounds used for per-source rows.
func SourceParams(cfg *config.Config) Params {
	p := DefaultParams(cfg)
	if p.MinScale < 0.5 {
		p.MinScale = 0.5
	}
	if p.MaxScale > 4.0 {
		p.MaxScale = 4.0
	}
	return p
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// invNormalZ computes Φ⁻¹((1+clamp(p,0.01,0.99))/2), floored at 0.05 to
// guard against a near-zero denominator.
func invNormalZ(p float64) float64 {
	p = clamp(p, 0.01, 0.99)
	z := stdNormal.Quantile((1 + p) / 2)
	if z < 0.05 {
		z = 0.05
	}
	return z
}

// newScale applies the Normal-quantile-inverse scale update.
func newScale(oldScale, observed, target, damping, minScale, maxScale float64) float64 {
	zObs := invNormalZ(observed)
	zTgt := invNormalZ(target)
	factor := math.Pow(zTgt/zObs, damping)
	return clamp(oldScale*factor, minScale, maxScale)
}

// newCenter applies the skew-correcting center shift.
func newCenter(oldCenter, underRate, overRate, avgWidthUnits, centerDamping, maxStep, maxCenterAbs float64) float64 {
	skew := overRate - underRate
	halfWidth := avgWidthUnits / 2
	if halfWidth < 1.0 {
		halfWidth = 1.0
	}
	rawStep := skew * halfWidth * centerDamping
	step := clamp(rawStep, -maxStep, maxStep)
	return clamp(oldCenter+step, -maxCenterAbs, maxCenterAbs)
}

// ApplyBandUpdate computes the new (scale, center) pair for one scorecard
// row given the prior calibration (zero-valued if none existed: scale=1,
// offset=0).
func ApplyBandUpdate(prior domain.BandCalibration, row ScorecardRow, p Params) domain.BandCalibration {
	oldScale := prior.BandScale
	if oldScale == 0 {
		oldScale = 1.0
	}
	next := prior
	next.Route = row.Route
	next.Schedule = row.Schedule
	next.BandScale = newScale(oldScale, row.ObservedCoverage, row.TargetCoverage, p.Damping, p.MinScale, p.MaxScale)
	next.CenterOffset = newCenter(prior.CenterOffset, row.UnderRate, row.OverRate, row.AvgWidthUnits, p.CenterDamping, p.MaxStepUnits, p.MaxCenterAbs)
	next.ObservedCoverage = row.ObservedCoverage
	next.TargetCoverage = row.TargetCoverage
	next.UnderRate = row.UnderRate
	next.OverRate = row.OverRate
	next.SampleLines = row.SampleLines
	next.FoldCount = row.FoldCount
	return next
}

// ApplySourceUpdate computes the new (scale_mult, center_offset) pair for
// one per-source breakdown row.
func ApplySourceUpdate(prior domain.SourceCalibration, row SourceRow, p Params) domain.SourceCalibration {
	oldScale := prior.BandScaleMult
	if oldScale == 0 {
		oldScale = 1.0
	}
	next := prior
	next.Route = row.Route
	next.Schedule = row.Schedule
	next.Source = row.Source
	next.BandScaleMult = newScale(oldScale, row.ObservedCoverage, row.TargetCoverage, p.Damping, p.MinScale, p.MaxScale)
	next.CenterOffsetUnits = newCenter(prior.CenterOffsetUnits, row.UnderRate, row.OverRate, row.AvgWidthUnits, p.CenterDamping, p.MaxStepUnits, p.MaxCenterAbs)
	next.ObservedCoverage = row.ObservedCoverage
	next.TargetCoverage = row.TargetCoverage
	next.UnderRate = row.UnderRate
	next.OverRate = row.OverRate
	next.LineCount = row.LineCount
	return next
}

// CalibrateRouteIfDue runs the full (route, schedule) + per-source update
// cycle unless the most recent row was updated within
// minDaysBetweenRuns, in which case it is skipped (force bypasses the
// gate).
func CalibrateRouteIfDue(
	ctx context.Context,
	store *relstore.Store,
	cfg *config.Config,
	route, schedule, interval string,
	scorecard ScorecardRow,
	sources []SourceRow,
	now time.Time,
	force bool,
) (bool, error) {
	prior, err := store.GetBandCalibration(ctx, route, schedule, interval)
	if err != nil {
		return false, err
	}
	if prior == nil {
		prior = &domain.BandCalibration{Route: route, Schedule: schedule, Interval: interval, BandScale: 1.0}
	}
	if !force && !prior.LastBacktestAt.IsZero() {
		minGap := time.Duration(cfg.BandCalibrationCadenceDays) * 24 * time.Hour
		if now.Sub(prior.LastBacktestAt) < minGap {
			return false, nil
		}
	}
	if scorecard.SampleLines < MinLinesForCalibration {
		return false, nil
	}

	updated := ApplyBandUpdate(*prior, scorecard, DefaultParams(cfg))
	updated.Interval = interval
	updated.LastBacktestAt = now
	updated.UpdatedAt = now
	if err := store.UpsertBandCalibration(ctx, updated); err != nil {
		return false, err
	}

	srcParams := SourceParams(cfg)
	for _, s := range sources {
		priorSource, err := store.GetSourceCalibration(ctx, route, schedule, interval, s.Source)
		if err != nil {
			return false, err
		}
		if priorSource == nil {
			priorSource = &domain.SourceCalibration{Route: route, Schedule: schedule, Interval: interval, Source: s.Source, BandScaleMult: 1.0}
		}
		updatedSource := ApplySourceUpdate(*priorSource, s, srcParams)
		updatedSource.Interval = interval
		updatedSource.UpdatedAt = now
		if err := store.UpsertSourceCalibration(ctx, updatedSource); err != nil {
			return false, err
		}
	}

	return true, nil
}
