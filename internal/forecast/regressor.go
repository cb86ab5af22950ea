package forecast

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Regressor is the pluggable point-estimate + quantile-band model.
// RouteSpark ships a ridge-regression default; any model satisfying
// this interface (a gradient-boosting backend, say) can be swapped in
// without touching the branch selector or band-calibration pipeline.
type Regressor interface {
	Fit(X [][]float64, y []float64) error
	PredictQuantiles(x []float64) (p10, p50, p90 float64)
}

// RidgeRegressor fits a closed-form ridge regression (normal equations
// with an L2 penalty) and derives the prediction interval from the
// empirical quantiles of the training residuals, standing in for a
// gradient-boosting model's residual-quantile banding.
type RidgeRegressor struct {
	Lambda float64 // L2 penalty; defaults to 1.0 when zero

	weights        *mat.VecDense
	residualP10    float64
	residualP90    float64
}

// NewRidgeRegressor returns a RidgeRegressor with the given penalty.
func NewRidgeRegressor(lambda float64) *RidgeRegressor {
	if lambda <= 0 {
		lambda = 1.0
	}
	return &RidgeRegressor{Lambda: lambda}
}

// Fit solves (XᵀX + λI)w = Xᵀy for w, then records the p10/p90 empirical
// quantiles of the in-sample residuals, which PredictQuantiles adds to the
// point estimate as the lower and upper band offsets.
func (r *RidgeRegressor) Fit(X [][]float64, y []float64) error {
	n := len(X)
	if n == 0 {
		return fmt.Errorf("forecast: ridge regressor needs at least one training row")
	}
	d := len(X[0])

	xData := make([]float64, 0, n*(d+1))
	for _, row := range X {
		xData = append(xData, 1.0) // intercept
		xData = append(xData, row...)
	}
	Xm := mat.NewDense(n, d+1, xData)
	ym := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(Xm.T(), Xm)
	for i := 0; i < d+1; i++ {
		xtx.Set(i, i, xtx.At(i, i)+r.Lambda)
	}

	var xty mat.VecDense
	xty.MulVec(Xm.T(), ym)

	var w mat.VecDense
	if err := w.SolveVec(&xtx, &xty); err != nil {
		return fmt.Errorf("forecast: ridge solve failed: %w", err)
	}
	r.weights = &w

	residuals := make([]float64, n)
	for i := 0; i < n; i++ {
		pred := w.AtVec(0)
		for j := 0; j < d; j++ {
			pred += w.AtVec(j+1) * X[i][j]
		}
		residuals[i] = y[i] - pred
	}
	sortedResiduals := append([]float64(nil), residuals...)
	stat.SortWeighted(sortedResiduals, nil)
	r.residualP10 = stat.Quantile(0.10, stat.Empirical, sortedResiduals, nil)
	r.residualP90 = stat.Quantile(0.90, stat.Empirical, sortedResiduals, nil)

	return nil
}

// PredictQuantiles returns (p10, p50, p90) for one feature row, anchoring
// the band on the point estimate plus the fitted residual quantiles.
func (r *RidgeRegressor) PredictQuantiles(x []float64) (p10, p50, p90 float64) {
	if r.weights == nil {
		return 0, 0, 0
	}
	p50 = r.weights.AtVec(0)
	for j, v := range x {
		p50 += r.weights.AtVec(j+1) * v
	}
	p10 = p50 + r.residualP10
	p90 = p50 + r.residualP90
	if p10 > p90 {
		p10, p90 = p90, p10
	}
	if p10 < 0 {
		p10 = 0
	}
	if p50 < 0 {
		p50 = 0
	}
	return p10, p50, p90
}
