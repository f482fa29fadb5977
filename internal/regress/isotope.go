package regress

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
)

// Mode selects the estimator of the isotope model.
type Mode int

// Modes
const (
	Ordinary Mode = iota
	Weighted
	Robust
)

var modeNames = []string{"ordinary", "weighted", "robust"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode converts a name as returned by String to a Mode.
func ParseMode(name string) (Mode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(n, name) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown regression mode %q, want one of %s",
		name, strings.Join(modeNames, ", "))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// DefaultMinPoints is the number of points a fit needs to exceed.
const DefaultMinPoints = 50

// Config selects how isotope models are fitted.
type Config struct {
	Mode      Mode
	Norm      Norm // robust mode only
	Whiten    bool // robust mode: scale rows by sqrt(W) before fitting
	MinPoints int
}

// DefaultConfig returns weighted regression with Tukey's biweight for
// robust mode.
func DefaultConfig() Config {
	return Config{
		Mode:      Weighted,
		Norm:      norms["tukey"],
		MinPoints: DefaultMinPoints,
	}
}

// RegressionError reports a failed isotope fit.
type RegressionError struct {
	Isotope string
	Mode    Mode
	Err     error
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("%s regression of %s failed: %v", e.Mode, e.Isotope, e.Err)
}

func (e *RegressionError) Unwrap() error {
	return e.Err
}

// Observations are the filtered points of one isotope and the session
// values the model needs.
type Observations struct {
	Time     []float64 // absolute, seconds
	Pulse    []float64 // counts per second
	Analog   []float64
	Dwell    float64 // total dwell of the isotope per cycle, seconds
	DeadTime float64 // machine dead time applied to the pulse rates
	Start    float64 // session start, seconds
	Span     float64 // session duration, seconds
	MaxP     float64 // largest pulse rate used
}

// Design returns the model rows [1, 1/A, t/A], the response 1/P' and the
// weights dwell*P'^3, where P' is the pulse rate corrected for the
// machine dead time and t the time since session start.
func (o Observations) Design() (x *mat.Dense, y, w []float64) {
	n := len(o.Pulse)
	x = mat.NewDense(n, 3, nil)
	y = make([]float64, n)
	w = make([]float64, n)
	for i := 0; i < n; i++ {
		p := o.Pulse[i] / (1 + o.Pulse[i]*o.DeadTime)
		a := o.Analog[i]
		t := o.Time[i] - o.Start
		x.Set(i, 0, 1)
		x.Set(i, 1, 1/a)
		x.Set(i, 2, t/a)
		y[i] = 1 / p
		w[i] = o.Dwell * p * p * p
	}
	return x, y, w
}

// FitIsotope fits 1/P' = tau + a1/A + a2*t/A to the observations of one
// isotope. With MinPoints or fewer points every result is NaN and no error
// is returned.
func FitIsotope(label string, o Observations, cfg Config) (fit.SelfFit, error) {
	out := fit.NaNSelf()
	n := len(o.Pulse)
	out.N = n
	if n <= cfg.MinPoints || n <= 3 {
		return out, nil
	}
	x, y, w := o.Design()

	var res *Result
	var err error
	switch cfg.Mode {
	case Ordinary:
		res, err = OLS(x, y)
	case Weighted:
		res, err = WLS(x, y, w)
		if err == nil {
			var res2 *Result
			if res2, err = WLS(x.Slice(0, n, 0, 2), y, w); err == nil {
				out.Tau2 = fit.Param{Value: res2.Params[0], SE: res2.SE[0]}
				out.A12 = fit.Param{Value: res2.Params[1], SE: res2.SE[1]}
			}
		}
	case Robust:
		norm := cfg.Norm
		if norm == nil {
			norm = norms["tukey"]
		}
		xr, yr := mat.Matrix(x), y
		if cfg.Whiten {
			xr, yr = whiten(x, y, w)
		}
		res, err = RLM(xr, yr, norm)
	default:
		err = fmt.Errorf("unknown mode %d", int(cfg.Mode))
	}
	if err != nil {
		return out, &RegressionError{Isotope: label, Mode: cfg.Mode, Err: err}
	}

	tau, a1, a2 := res.Params[0], res.Params[1], res.Params[2]
	out.Tau = fit.Param{Value: tau, SE: res.SE[0]}
	out.A1 = fit.Param{Value: a1, SE: res.SE[1]}
	out.A2 = fit.Param{Value: a2, SE: res.SE[2]}
	if cfg.Mode != Robust {
		out.RSquared = res.RSquared
	}

	// goodness of fit on the unwhitened weighted residuals
	r := residuals(x, y, res.Params)
	var chi2 float64
	for i := range r {
		chi2 += w[i] * r[i] * r[i]
	}
	out.RedChi2 = chi2 / float64(n-3)

	out.ACF0 = 1 / a1
	out.Drift = a1/(a1+a2*o.Span) - 1
	out.DTMaxP = o.MaxP / (1 - o.MaxP*tau)
	out.DTCorr = out.DTMaxP/o.MaxP - 1
	if math.IsNaN(o.MaxP) {
		out.DTMaxP, out.DTCorr = math.NaN(), math.NaN()
	}
	return out, nil
}

// whiten scales rows by n*sqrt(w)/sum(sqrt(w)).
func whiten(x *mat.Dense, y, w []float64) (*mat.Dense, []float64) {
	n, p := x.Dims()
	var sum float64
	for _, v := range w {
		sum += math.Sqrt(v)
	}
	xw := mat.NewDense(n, p, nil)
	yw := make([]float64, n)
	for i := 0; i < n; i++ {
		f := float64(n) * math.Sqrt(w[i]) / sum
		for j := 0; j < p; j++ {
			xw.Set(i, j, f*x.At(i, j))
		}
		yw[i] = f * y[i]
	}
	return xw, yw
}
