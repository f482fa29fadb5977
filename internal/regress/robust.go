package regress

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Norm is the loss function of an M-estimator, evaluated on residuals
// divided by the scale estimate.
type Norm interface {
	Name() string
	Rho(z float64) float64
	Psi(z float64) float64
	PsiDeriv(z float64) float64
	Weight(z float64) float64
}

// TukeyBiweight redescends to zero beyond C.
type TukeyBiweight struct{ C float64 }

func (TukeyBiweight) Name() string { return "tukey" }

func (n TukeyBiweight) Rho(z float64) float64 {
	if math.Abs(z) > n.C {
		return n.C * n.C / 6
	}
	u := 1 - (z/n.C)*(z/n.C)
	return n.C * n.C / 6 * (1 - u*u*u)
}

func (n TukeyBiweight) Psi(z float64) float64 {
	return z * n.Weight(z)
}

func (n TukeyBiweight) PsiDeriv(z float64) float64 {
	if math.Abs(z) > n.C {
		return 0
	}
	q := (z / n.C) * (z / n.C)
	return (1 - q) * (1 - 5*q)
}

func (n TukeyBiweight) Weight(z float64) float64 {
	if math.Abs(z) > n.C {
		return 0
	}
	u := 1 - (z/n.C)*(z/n.C)
	return u * u
}

// HuberT is quadratic up to T and linear beyond.
type HuberT struct{ T float64 }

func (HuberT) Name() string { return "huber" }

func (n HuberT) Rho(z float64) float64 {
	if a := math.Abs(z); a > n.T {
		return n.T*a - n.T*n.T/2
	}
	return z * z / 2
}

func (n HuberT) Psi(z float64) float64 {
	return math.Max(-n.T, math.Min(n.T, z))
}

func (n HuberT) PsiDeriv(z float64) float64 {
	if math.Abs(z) > n.T {
		return 0
	}
	return 1
}

func (n HuberT) Weight(z float64) float64 {
	if a := math.Abs(z); a > n.T {
		return n.T / a
	}
	return 1
}

// Hampel is linear to A, constant to B, descends to zero at C.
type Hampel struct{ A, B, C float64 }

func (Hampel) Name() string { return "hampel" }

func (n Hampel) Rho(z float64) float64 {
	a := math.Abs(z)
	switch {
	case a <= n.A:
		return z * z / 2
	case a <= n.B:
		return n.A*a - n.A*n.A/2
	case a <= n.C:
		return n.A*n.B - n.A*n.A/2 + n.A/(n.C-n.B)*(n.C*(a-n.B)-(a*a-n.B*n.B)/2)
	}
	return n.A*(n.B+n.C)/2 - n.A*n.A/2
}

func (n Hampel) Psi(z float64) float64 {
	a := math.Abs(z)
	s := math.Copysign(1, z)
	switch {
	case a <= n.A:
		return z
	case a <= n.B:
		return s * n.A
	case a <= n.C:
		return s * n.A * (n.C - a) / (n.C - n.B)
	}
	return 0
}

func (n Hampel) PsiDeriv(z float64) float64 {
	a := math.Abs(z)
	switch {
	case a <= n.A:
		return 1
	case a <= n.B:
		return 0
	case a <= n.C:
		return -n.A / (n.C - n.B)
	}
	return 0
}

func (n Hampel) Weight(z float64) float64 {
	if math.Abs(z) <= n.A {
		return 1
	}
	return n.Psi(z) / z
}

// AndrewWave uses a sine wave psi over one period.
type AndrewWave struct{ A float64 }

func (AndrewWave) Name() string { return "andrew" }

func (n AndrewWave) Rho(z float64) float64 {
	if math.Abs(z) > n.A*math.Pi {
		return 2 * n.A * n.A
	}
	return n.A * n.A * (1 - math.Cos(z/n.A))
}

func (n AndrewWave) Psi(z float64) float64 {
	if math.Abs(z) > n.A*math.Pi {
		return 0
	}
	return n.A * math.Sin(z/n.A)
}

func (n AndrewWave) PsiDeriv(z float64) float64 {
	if math.Abs(z) > n.A*math.Pi {
		return 0
	}
	return math.Cos(z / n.A)
}

func (n AndrewWave) Weight(z float64) float64 {
	if z == 0 {
		return 1
	}
	return n.Psi(z) / z
}

// RamsayE down-weights exponentially.
type RamsayE struct{ A float64 }

func (RamsayE) Name() string { return "ramsay" }

func (n RamsayE) Rho(z float64) float64 {
	a := n.A * math.Abs(z)
	return (1 - math.Exp(-a)*(1+a)) / (n.A * n.A)
}

func (n RamsayE) Psi(z float64) float64 {
	return z * n.Weight(z)
}

func (n RamsayE) PsiDeriv(z float64) float64 {
	a := n.A * math.Abs(z)
	return math.Exp(-a) * (1 - a)
}

func (n RamsayE) Weight(z float64) float64 {
	return math.Exp(-n.A * math.Abs(z))
}

// TrimmedMean ignores residuals beyond C.
type TrimmedMean struct{ C float64 }

func (TrimmedMean) Name() string { return "trimmed" }

func (n TrimmedMean) Rho(z float64) float64 {
	if math.Abs(z) > n.C {
		return n.C * n.C / 2
	}
	return z * z / 2
}

func (n TrimmedMean) Psi(z float64) float64 {
	return z * n.Weight(z)
}

func (n TrimmedMean) PsiDeriv(z float64) float64 {
	return n.Weight(z)
}

func (n TrimmedMean) Weight(z float64) float64 {
	if math.Abs(z) > n.C {
		return 0
	}
	return 1
}

// LeastSquares is the quadratic loss; RLM with it equals OLS.
type LeastSquares struct{}

func (LeastSquares) Name() string              { return "leastsquares" }
func (LeastSquares) Rho(z float64) float64     { return z * z / 2 }
func (LeastSquares) Psi(z float64) float64     { return z }
func (LeastSquares) PsiDeriv(z float64) float64 { return 1 }
func (LeastSquares) Weight(z float64) float64  { return 1 }

// Norms with their customary tuning constants, by name.
var norms = map[string]Norm{
	"tukey":        TukeyBiweight{C: 4.685},
	"huber":        HuberT{T: 1.345},
	"hampel":       Hampel{A: 2, B: 4, C: 8},
	"andrew":       AndrewWave{A: 1.339},
	"ramsay":       RamsayE{A: 0.3},
	"trimmed":      TrimmedMean{C: 2},
	"leastsquares": LeastSquares{},
}

// NormNames returns the names accepted by ParseNorm.
func NormNames() []string {
	names := make([]string, 0, len(norms))
	for k := range norms {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ParseNorm returns the norm with the given name.
func ParseNorm(name string) (Norm, error) {
	n, ok := norms[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown norm %q, want one of %s",
			name, strings.Join(NormNames(), ", "))
	}
	return n, nil
}

// IRLS settings
const (
	rlmMaxIter = 50
	rlmTol     = 1e-8
	madConst   = 0.6744897501960817 // standard normal 3rd quartile
)

// RLM fits y = X*b with an M-estimator by iteratively reweighted least
// squares, starting from OLS and re-estimating the scale by the median
// absolute residual each iteration. Standard errors use Huber's H1
// covariance.
func RLM(x mat.Matrix, y []float64, norm Norm) (*Result, error) {
	n, p := x.Dims()
	res, err := OLS(x, y)
	if err != nil {
		return nil, err
	}
	scale := mad(res.Resid)
	if scale == 0 {
		// exact fit, nothing to down-weight
		res.RSquared = math.NaN()
		return res, nil
	}

	beta := res.Params
	resid := res.Resid
	w := make([]float64, n)
	dev := deviance(norm, resid, scale)
	iter := 0
	for iter < rlmMaxIter {
		iter++
		for i, r := range resid {
			w[i] = norm.Weight(r / scale)
		}
		b, _, err := solve(x, y, w)
		if err != nil {
			return nil, err
		}
		beta = b
		resid = residuals(x, y, beta)
		if scale = mad(resid); scale == 0 {
			break
		}
		d := deviance(norm, resid, scale)
		if math.Abs(d-dev) <= rlmTol {
			break
		}
		dev = d
	}

	out := &Result{
		Params:   beta,
		Resid:    resid,
		Weights:  w,
		Scale:    scale,
		DFResid:  n - p,
		RSquared: math.NaN(),
		Iter:     iter,
	}

	// Huber's H1 covariance with the unweighted (X'X)^-1
	_, xtxInv, err := solve(x, y, nil)
	if err != nil {
		return nil, err
	}
	z := make([]float64, n)
	dpsi := make([]float64, n)
	var ssPsi float64
	for i, r := range resid {
		z[i] = r / scale
		dpsi[i] = norm.PsiDeriv(z[i])
		ssPsi += norm.Psi(z[i]) * norm.Psi(z[i])
	}
	m, v := stat.PopMeanVariance(dpsi, nil)
	k := 1 + float64(p)/float64(n)*v/(m*m)
	f := k * k * ssPsi / float64(out.DFResid) * scale * scale / (m * m)
	if out.DFResid <= 0 || m == 0 {
		f = math.NaN()
	}
	out.NormCov = mat.NewSymDense(p, nil)
	out.NormCov.CopySym(xtxInv)
	xtxInv.ScaleSym(f, xtxInv)
	out.Cov = xtxInv
	out.SE = stdErrors(xtxInv)
	return out, nil
}

func deviance(norm Norm, resid []float64, scale float64) float64 {
	var d float64
	for _, r := range resid {
		d += norm.Rho(r / scale)
	}
	return d
}

// mad returns the normalized median absolute residual, centred at zero.
func mad(r []float64) float64 {
	a := make([]float64, len(r))
	for i, v := range r {
		a[i] = math.Abs(v)
	}
	sort.Float64s(a)
	n := len(a)
	if n == 0 {
		return 0
	}
	med := a[n/2]
	if n%2 == 0 {
		med = (a[n/2-1] + a[n/2]) / 2
	}
	return med / madConst
}
