// Package regress fits linear models by ordinary, weighted and robust
// (M-estimator) least squares and applies them to the dead time and
// cross calibration model of a single isotope.
package regress

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Errors
var (
	ErrSingular         = errors.New("singular design matrix")
	ErrInsufficientData = errors.New("insufficient data")
)

// maxCond is the largest condition number of the column equilibrated,
// weighted design accepted as full rank.
const maxCond = 1e13

// Result is a fitted linear model.
type Result struct {
	Params   []float64
	SE       []float64
	Cov      *mat.SymDense
	NormCov  *mat.SymDense // (X'WX)^-1 before scaling
	Resid    []float64     // y - X*Params
	Weights  []float64     // weights of the final fit, nil for OLS
	Scale    float64       // residual variance (robust: scale estimate)
	DFResid  int
	RSquared float64 // NaN for robust fits
	Iter     int     // IRLS iterations, robust fits only
}

// Predict returns x*Params for one design row.
func (r *Result) Predict(row []float64) float64 {
	var v float64
	for j, b := range r.Params {
		v += b * row[j]
	}
	return v
}

// OLS fits y = X*b by ordinary least squares.
func OLS(x mat.Matrix, y []float64) (*Result, error) {
	return WLS(x, y, nil)
}

// WLS fits y = X*b minimizing sum(w*(y-X*b)^2). A nil w means unit
// weights. The covariance is scaled by the weighted residual variance.
func WLS(x mat.Matrix, y, w []float64) (*Result, error) {
	n, p := x.Dims()
	if len(y) != n || (w != nil && len(w) != n) {
		return nil, fmt.Errorf("design has %d rows, y %d, weights %d", n, len(y), len(w))
	}
	if n < p {
		return nil, fmt.Errorf("%w: %d points for %d parameters", ErrInsufficientData, n, p)
	}
	beta, cov, err := solve(x, y, w)
	if err != nil {
		return nil, err
	}

	res := &Result{Params: beta, DFResid: n - p, Weights: w}
	res.Resid = residuals(x, y, beta)
	var wrss, sw, swy float64
	for i, r := range res.Resid {
		wi := weight(w, i)
		wrss += wi * r * r
		sw += wi
		swy += wi * y[i]
	}
	res.Scale = math.NaN()
	if res.DFResid > 0 {
		res.Scale = wrss / float64(res.DFResid)
	}
	res.NormCov = mat.NewSymDense(p, nil)
	res.NormCov.CopySym(cov)
	cov.ScaleSym(res.Scale, cov)
	res.Cov = cov
	res.SE = stdErrors(cov)

	ybar := swy / sw
	var tss float64
	for i, yi := range y {
		tss += weight(w, i) * (yi - ybar) * (yi - ybar)
	}
	res.RSquared = 1 - wrss/tss
	return res, nil
}

func weight(w []float64, i int) float64 {
	if w == nil {
		return 1
	}
	return w[i]
}

// solve returns the weighted least squares solution and the unscaled
// covariance (X'WX)^-1. Columns are equilibrated before a Householder QR
// solve so that parameters of very different magnitude are recovered to
// full precision.
func solve(x mat.Matrix, y, w []float64) ([]float64, *mat.SymDense, error) {
	n, p := x.Dims()
	xs := mat.NewDense(n, p, nil)
	ys := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(weight(w, i))
		for j := 0; j < p; j++ {
			xs.Set(i, j, sw*x.At(i, j))
		}
		ys.SetVec(i, sw*y[i])
	}

	colScale := make([]float64, p)
	for j := 0; j < p; j++ {
		norm := mat.Norm(xs.ColView(j), 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			return nil, nil, fmt.Errorf("%w: column %d", ErrSingular, j)
		}
		colScale[j] = norm
		for i := 0; i < n; i++ {
			xs.Set(i, j, xs.At(i, j)/norm)
		}
	}

	var qr mat.QR
	qr.Factorize(xs)
	if c := qr.Cond(); c > maxCond || math.IsNaN(c) {
		return nil, nil, fmt.Errorf("%w: condition number %g", ErrSingular, c)
	}
	var bs mat.VecDense
	if err := qr.SolveVecTo(&bs, false, ys); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	beta := make([]float64, p)
	for j := range beta {
		beta[j] = bs.AtVec(j) / colScale[j]
	}

	var g mat.SymDense
	g.SymOuterK(1, xs.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&g); !ok {
		return nil, nil, ErrSingular
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	cov := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			cov.SetSym(i, j, inv.At(i, j)/(colScale[i]*colScale[j]))
		}
	}
	return beta, cov, nil
}

func residuals(x mat.Matrix, y, beta []float64) []float64 {
	n, p := x.Dims()
	r := make([]float64, n)
	for i := 0; i < n; i++ {
		f := 0.0
		for j := 0; j < p; j++ {
			f += x.At(i, j) * beta[j]
		}
		r[i] = y[i] - f
	}
	return r
}

func stdErrors(cov mat.Symmetric) []float64 {
	p := cov.SymmetricDim()
	se := make([]float64, p)
	for j := range se {
		se[j] = math.Sqrt(cov.At(j, j))
	}
	return se
}
