// Package spectrum pools the per-isotope calibration parameters of a
// session into smooth trends over isotope mass.
//
// Each parameter (a1, a2, tau) is fitted independently with a polynomial
// in mass. Isotopes whose own fit is unreliable are left out of the trend
// but still receive a predicted value, which is what an isotope falls back
// on when its own estimate is rejected.
package spectrum

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
)

// MaxOrder is the highest polynomial order of a trend.
const MaxOrder = 3

// DefaultConfidence is the coverage of the reported intervals.
const DefaultConfidence = 0.95

// Errors
var (
	ErrTooFewIsotopes = errors.New("too few isotopes included")
	ErrOrder          = errors.New("polynomial order out of range")
)

// ParamDesign configures the trend of one parameter.
type ParamDesign struct {
	Order    int  `toml:"order" yaml:"order"`
	Weighted bool `toml:"weighted" yaml:"weighted"` // weights 1/SE^2
	Robust   bool `toml:"robust" yaml:"robust"`     // Huber M-estimator
}

// Design configures the trends of all parameters.
type Design struct {
	A1         ParamDesign `toml:"a1" yaml:"a1"`
	A2         ParamDesign `toml:"a2" yaml:"a2"`
	Tau        ParamDesign `toml:"tau" yaml:"tau"`
	Confidence float64     `toml:"confidence" yaml:"confidence"`
}

// DefaultDesign returns weighted linear trends for every parameter.
func DefaultDesign() Design {
	lin := ParamDesign{Order: 1, Weighted: true}
	return Design{A1: lin, A2: lin, Tau: lin, Confidence: DefaultConfidence}
}

// Mask controls whether an isotope contributes to a trend.
type Mask int

// Masks
const (
	Auto    Mask = iota // included when its own fit is recommended
	Include             // always included
	Exclude             // never included
)

func (m Mask) apply(recommended bool) bool {
	switch m {
	case Include:
		return true
	case Exclude:
		return false
	}
	return recommended
}

// Input is one isotope offered to the pooling.
type Input struct {
	Label string
	Mass  float64
	Self  fit.SelfFit
	ACF   Mask // a1 and a2
	Tau   Mask
}

// ParamFit is the mass trend of one parameter.
type ParamFit struct {
	Name       string
	Order      int
	Weighted   bool
	Robust     bool
	Confidence float64

	Labels  []string
	Mass    []float64
	Values  []fit.Param
	Include []bool // isotopes the trend was fitted to

	Pred     []fit.Estimate
	Coef     []float64 // in powers of the normalized mass (m-Center)/Width
	CoefSE   []float64
	Center   float64
	Width    float64
	RSquared float64 // NaN for robust fits
	RedChi2  float64
	DFResid  int

	cov *mat.SymDense
	tq  float64
}

func newParamFit(name string, labels []string, mass []float64, vals []fit.Param, d ParamDesign, conf float64) *ParamFit {
	f := &ParamFit{
		Name:       name,
		Order:      d.Order,
		Weighted:   d.Weighted,
		Robust:     d.Robust,
		Confidence: conf,
		Labels:     labels,
		Mass:       mass,
		Values:     vals,
		Include:    make([]bool, len(mass)),
		Pred:       make([]fit.Estimate, len(mass)),
		Width:      1,
		RSquared:   math.NaN(),
		RedChi2:    math.NaN(),
	}
	for i := range f.Pred {
		f.Pred[i] = fit.NaNEstimate()
	}
	return f
}

func (f *ParamFit) row(mass float64, dst []float64) {
	u := (mass - f.Center) / f.Width
	v := 1.0
	for k := range dst {
		dst[k] = v
		v *= u
	}
}

// Fitted reports whether the trend has coefficients.
func (f *ParamFit) Fitted() bool {
	return f != nil && f.Coef != nil
}

// Predict evaluates the trend at mass with the standard error of the
// prediction and its confidence interval.
func (f *ParamFit) Predict(mass float64) fit.Estimate {
	if !f.Fitted() {
		return fit.NaNEstimate()
	}
	p := len(f.Coef)
	r := make([]float64, p)
	f.row(mass, r)
	var v, s2 float64
	for j := 0; j < p; j++ {
		v += f.Coef[j] * r[j]
		for k := 0; k < p; k++ {
			s2 += r[j] * f.cov.At(j, k) * r[k]
		}
	}
	se := math.Sqrt(math.Max(s2, 0))
	return fit.Estimate{
		Param: fit.Param{Value: v, SE: se},
		Lower: v - f.tq*se,
		Upper: v + f.tq*se,
	}
}

// Estimate returns the prediction for the i-th isotope, NaN when the
// trend could not be fitted.
func (f *ParamFit) Estimate(i int) fit.Estimate {
	if f == nil || i < 0 || i >= len(f.Pred) {
		return fit.NaNEstimate()
	}
	return f.Pred[i]
}

// FitParam fits a polynomial trend of vals over mass using the isotopes
// marked in include. Every isotope receives a prediction once at least
// Order+1 isotopes are included. When no residual degrees of freedom
// remain, weighted trends use the covariance implied by the standard
// errors and unweighted trends report a zero standard error.
func FitParam(name string, labels []string, mass []float64, vals []fit.Param, include []bool, d ParamDesign, conf float64) (*ParamFit, error) {
	if conf <= 0 || conf >= 1 {
		conf = DefaultConfidence
	}
	f := newParamFit(name, labels, mass, vals, d, conf)
	if d.Order < 0 || d.Order > MaxOrder {
		return f, fmt.Errorf("%w: %s order %d", ErrOrder, name, d.Order)
	}

	var idx []int
	for i := range mass {
		ok := include[i] && vals[i].Valid() && !math.IsNaN(mass[i])
		if d.Weighted {
			ok = ok && vals[i].SE > 0 && !math.IsInf(vals[i].SE, 0)
		}
		if ok {
			f.Include[i] = true
			idx = append(idx, i)
		}
	}
	p := d.Order + 1
	if len(idx) < p {
		return f, fmt.Errorf("%w: %s trend of order %d from %d isotopes",
			ErrTooFewIsotopes, name, d.Order, len(idx))
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		lo = math.Min(lo, mass[i])
		hi = math.Max(hi, mass[i])
	}
	f.Center = (lo + hi) / 2
	if hi > lo {
		f.Width = (hi - lo) / 2
	}

	n := len(idx)
	x := mat.NewDense(n, p, nil)
	y := make([]float64, n)
	w := make([]float64, n)
	row := make([]float64, p)
	for r, i := range idx {
		f.row(mass[i], row)
		x.SetRow(r, row)
		y[r] = vals[i].Value
		w[r] = 1
		if d.Weighted {
			w[r] = 1 / (vals[i].SE * vals[i].SE)
		}
	}

	var res *regress.Result
	var err error
	if d.Robust {
		xr, yr := mat.Matrix(x), y
		if d.Weighted {
			xr, yr = scaleRows(x, y, w)
		}
		res, err = regress.RLM(xr, yr, regress.HuberT{T: 1.345})
	} else {
		var ww []float64
		if d.Weighted {
			ww = w
		}
		res, err = regress.WLS(x, y, ww)
	}
	if err != nil {
		return f, fmt.Errorf("%s trend: %w", name, err)
	}

	f.DFResid = res.DFResid
	f.cov = res.Cov
	if res.DFResid == 0 {
		f.cov = mat.NewSymDense(p, nil)
		if d.Weighted {
			f.cov.CopySym(res.NormCov)
		}
	}
	f.Coef = res.Params
	f.CoefSE = make([]float64, p)
	for j := range f.CoefSE {
		f.CoefSE[j] = math.Sqrt(f.cov.At(j, j))
	}
	if !d.Robust {
		f.RSquared = res.RSquared
	}
	if res.DFResid > 0 {
		var chi2 float64
		for r := range y {
			e := y[r] - res.Predict(x.RawRowView(r))
			chi2 += w[r] * e * e
		}
		f.RedChi2 = chi2 / float64(res.DFResid)
	}
	f.tq = quantile(conf, res.DFResid)

	for i := range mass {
		f.Pred[i] = f.Predict(mass[i])
	}
	return f, nil
}

// quantile returns the two sided critical value of Student's t, or of
// the normal distribution when there are no degrees of freedom.
func quantile(conf float64, df int) float64 {
	q := 1 - (1-conf)/2
	if df <= 0 {
		return distuv.UnitNormal.Quantile(q)
	}
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}.Quantile(q)
}

func scaleRows(x *mat.Dense, y, w []float64) (*mat.Dense, []float64) {
	n, p := x.Dims()
	xs := mat.NewDense(n, p, nil)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		s := math.Sqrt(w[i])
		for j := 0; j < p; j++ {
			xs.Set(i, j, s*x.At(i, j))
		}
		ys[i] = s * y[i]
	}
	return xs, ys
}

func (f *ParamFit) MarshalJSON() ([]byte, error) {
	type isotope struct {
		Label      string       `json:"label"`
		Mass       fit.Float    `json:"mass"`
		Value      fit.Param    `json:"self"`
		Included   bool         `json:"included"`
		Prediction fit.Estimate `json:"prediction"`
	}
	out := struct {
		Name       string      `json:"name"`
		Order      int         `json:"order"`
		Weighted   bool        `json:"weighted"`
		Robust     bool        `json:"robust"`
		Confidence float64     `json:"confidence"`
		Center     fit.Float   `json:"center"`
		Width      fit.Float   `json:"width"`
		Coef       []fit.Float `json:"coef"`
		CoefSE     []fit.Float `json:"coef_se"`
		RSquared   fit.Float   `json:"r_squared"`
		RedChi2    fit.Float   `json:"red_chi2"`
		Isotopes   []isotope   `json:"isotopes"`
	}{
		Name: f.Name, Order: f.Order, Weighted: f.Weighted, Robust: f.Robust,
		Confidence: f.Confidence,
		Center:     fit.Float(f.Center), Width: fit.Float(f.Width),
		RSquared: fit.Float(f.RSquared), RedChi2: fit.Float(f.RedChi2),
	}
	for j := range f.Coef {
		out.Coef = append(out.Coef, fit.Float(f.Coef[j]))
		out.CoefSE = append(out.CoefSE, fit.Float(f.CoefSE[j]))
	}
	for i := range f.Mass {
		iso := isotope{
			Mass:       fit.Float(f.Mass[i]),
			Value:      f.Values[i],
			Included:   f.Include[i],
			Prediction: f.Pred[i],
		}
		if i < len(f.Labels) {
			iso.Label = f.Labels[i]
		}
		out.Isotopes = append(out.Isotopes, iso)
	}
	return json.Marshal(out)
}

// Fits are the trends of all parameters over the isotopes of a session.
type Fits struct {
	Labels []string
	ACFOK  []bool // own a1/a2 recommended
	TauOK  []bool // own tau recommended
	A1     *ParamFit
	A2     *ParamFit
	Tau    *ParamFit
}

// Pooled returns the trend predictions for the i-th isotope.
func (f *Fits) Pooled(i int) fit.Pooled {
	return fit.Pooled{
		Tau: f.Tau.Estimate(i),
		A1:  f.A1.Estimate(i),
		A2:  f.A2.Estimate(i),
	}
}

// Pool fits the trends of a1, a2 and tau. Isotopes are included as their
// masks and the recommendation of their own fit decide. A trend that
// cannot be fitted leaves its predictions NaN; its error is joined into
// the returned error while the other trends are still returned.
func Pool(in []Input, d Design) (*Fits, error) {
	n := len(in)
	f := &Fits{
		Labels: make([]string, n),
		ACFOK:  make([]bool, n),
		TauOK:  make([]bool, n),
	}
	mass := make([]float64, n)
	a1 := make([]fit.Param, n)
	a2 := make([]fit.Param, n)
	tau := make([]fit.Param, n)
	incACF := make([]bool, n)
	incTau := make([]bool, n)
	for i, v := range in {
		f.Labels[i] = v.Label
		mass[i] = v.Mass
		a1[i], a2[i], tau[i] = v.Self.A1, v.Self.A2, v.Self.Tau
		f.ACFOK[i], f.TauOK[i] = Recommend(v.Self)
		incACF[i] = v.ACF.apply(f.ACFOK[i])
		incTau[i] = v.Tau.apply(f.TauOK[i])
	}

	var errs []error
	var err error
	if f.A1, err = FitParam("a1", f.Labels, mass, a1, incACF, d.A1, d.Confidence); err != nil {
		errs = append(errs, err)
	}
	if f.A2, err = FitParam("a2", f.Labels, mass, a2, incACF, d.A2, d.Confidence); err != nil {
		errs = append(errs, err)
	}
	if f.Tau, err = FitParam("tau", f.Labels, mass, tau, incTau, d.Tau, d.Confidence); err != nil {
		errs = append(errs, err)
	}
	return f, errors.Join(errs...)
}
