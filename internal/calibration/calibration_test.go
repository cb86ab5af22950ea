package calibration

import (
	"testing"

	"github.com/routespark/core/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestApplyBandUpdate_UndercoverageWidensScale(t *testing.T) {
	prior := domain.BandCalibration{BandScale: 1.0, CenterOffset: 0}
	row := ScorecardRow{
		Route: "989262", Schedule: "thursday",
		SampleLines: 300, FoldCount: 5,
		ObservedCoverage: 0.60, TargetCoverage: 0.80,
		UnderRate: 0.25, OverRate: 0.15, AvgWidthUnits: 10,
	}
	p := Params{Damping: 1, MinScale: 0.5, MaxScale: 2.0, CenterDamping: 1, MaxStepUnits: 10, MaxCenterAbs: 10}

	next := ApplyBandUpdate(prior, row, p)
	assert.Greater(t, next.BandScale, 1.0, "undercoverage (60%% observed vs 80%% target) must widen the band")
	assert.LessOrEqual(t, next.BandScale, p.MaxScale)
}

func TestApplyBandUpdate_ScaleClampedToBounds(t *testing.T) {
	prior := domain.BandCalibration{BandScale: 1.0}
	row := ScorecardRow{ObservedCoverage: 0.01, TargetCoverage: 0.99, SampleLines: 300}
	p := Params{Damping: 1, MinScale: 0.5, MaxScale: 2.0, CenterDamping: 1, MaxStepUnits: 10, MaxCenterAbs: 10}

	next := ApplyBandUpdate(prior, row, p)
	assert.LessOrEqual(t, next.BandScale, p.MaxScale)
	assert.GreaterOrEqual(t, next.BandScale, p.MinScale)
}

func TestApplyBandUpdate_CenterStepClamped(t *testing.T) {
	prior := domain.BandCalibration{BandScale: 1.0, CenterOffset: 0}
	row := ScorecardRow{
		ObservedCoverage: 0.8, TargetCoverage: 0.8,
		UnderRate: 0.0, OverRate: 1.0, AvgWidthUnits: 100, SampleLines: 300,
	}
	p := Params{Damping: 1, MinScale: 0.5, MaxScale: 2.0, CenterDamping: 1, MaxStepUnits: 5, MaxCenterAbs: 5}

	next := ApplyBandUpdate(prior, row, p)
	assert.Equal(t, 5.0, next.CenterOffset, "step must clamp to max_step_units")
}
