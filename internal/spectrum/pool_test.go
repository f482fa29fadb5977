package spectrum

import (
	"errors"
	"math"
	"testing"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
)

func params(v []float64, se float64) []fit.Param {
	out := make([]fit.Param, len(v))
	for i, x := range v {
		out[i] = fit.Param{Value: x, SE: se}
	}
	return out
}

func all(n int) []bool {
	b := make([]bool, n)
	for i := range b {
		b[i] = true
	}
	return b
}

func TestPoolScenario(t *testing.T) {
	mass := []float64{200, 206, 238}
	a1 := []float64{0.0005, 0.00052, 0.00055}
	for _, d := range []ParamDesign{{Order: 1, Weighted: true}, {Order: 1}} {
		f, err := FitParam("a1", nil, mass, params(a1, 1e-6), all(3), d, 0.95)
		if err != nil {
			t.Fatalf("weighted=%v: %v", d.Weighted, err)
		}
		if f.Coef[1] <= 0 {
			t.Errorf("weighted=%v: slope %g, want positive", d.Weighted, f.Coef[1])
		}
		p := f.Predict(220)
		if !(p.Value > a1[1] && p.Value < a1[2]) {
			t.Errorf("weighted=%v: a1(220) = %g, want between %g and %g", d.Weighted, p.Value, a1[1], a1[2])
		}
		if !(p.Lower < p.Value && p.Value < p.Upper) {
			t.Errorf("weighted=%v: interval [%g, %g] around %g", d.Weighted, p.Lower, p.Upper, p.Value)
		}
	}
}

var testMass = []float64{7, 24, 59, 89, 139, 208, 238}

func quadratic(perturb float64) []float64 {
	v := make([]float64, len(testMass))
	for i, m := range testMass {
		v[i] = 1e-3 - 1e-6*m + 2e-9*m*m
		if i%2 == 0 {
			v[i] += perturb
		} else {
			v[i] -= perturb
		}
	}
	return v
}

func TestPoolExcludedPredicted(t *testing.T) {
	vals := params(quadratic(1e-7), 1e-7)
	include := all(len(testMass))
	include[1], include[4] = false, false

	f, err := FitParam("a1", nil, testMass, vals, include, ParamDesign{Order: 2, Weighted: true}, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	if f.DFResid != 2 {
		t.Errorf("residual df %d, want 2", f.DFResid)
	}
	for i, p := range f.Pred {
		if math.IsNaN(p.Value) || math.IsNaN(p.SE) || p.SE <= 0 {
			t.Errorf("isotope %d: prediction %+v", i, p)
		}
		if !(p.Lower <= p.Value && p.Value <= p.Upper) {
			t.Errorf("isotope %d: interval [%g, %g] around %g", i, p.Lower, p.Upper, p.Value)
		}
	}
	if f.Include[1] || f.Include[4] || !f.Include[0] {
		t.Errorf("inclusion %v", f.Include)
	}
}

func TestPoolNoResidualDegreesOfFreedom(t *testing.T) {
	include := make([]bool, len(testMass))
	include[0], include[3], include[6] = true, true, true
	vals := params(quadratic(0), 1e-7)

	f, err := FitParam("tau", nil, testMass, vals, include, ParamDesign{Order: 2, Weighted: true}, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range f.Pred {
		if math.IsNaN(p.Value) || math.IsNaN(p.SE) || p.SE <= 0 {
			t.Errorf("weighted isotope %d: prediction %+v", i, p)
		}
	}

	f, err = FitParam("tau", nil, testMass, vals, include, ParamDesign{Order: 2}, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range f.Pred {
		if math.IsNaN(p.Value) || p.SE != 0 || p.Lower != p.Value || p.Upper != p.Value {
			t.Errorf("unweighted isotope %d: prediction %+v", i, p)
		}
	}
	if !math.IsNaN(f.RedChi2) {
		t.Errorf("reduced chi2 %g without degrees of freedom", f.RedChi2)
	}
}

func TestPoolTooFewIsotopes(t *testing.T) {
	include := make([]bool, len(testMass))
	include[2], include[5] = true, true
	f, err := FitParam("a2", nil, testMass, params(quadratic(0), 1e-7), include, ParamDesign{Order: 2}, 0.95)
	if !errors.Is(err, ErrTooFewIsotopes) {
		t.Fatalf("got %v, want %v", err, ErrTooFewIsotopes)
	}
	if f.Fitted() || !math.IsNaN(f.Pred[0].Value) || !math.IsNaN(f.Predict(100).Value) {
		t.Errorf("unfitted trend predicts %+v", f.Pred[0])
	}

	_, err = FitParam("a2", nil, testMass, params(quadratic(0), 1e-7), all(len(testMass)), ParamDesign{Order: 4}, 0.95)
	if !errors.Is(err, ErrOrder) {
		t.Errorf("got %v, want %v", err, ErrOrder)
	}
}

func TestPoolRobustOutlier(t *testing.T) {
	vals := make([]float64, len(testMass))
	line := make([]float64, len(testMass))
	for i, m := range testMass {
		line[i] = 5e-4 + 2e-7*m
		vals[i] = line[i] * (1 + 1e-4*math.Pow(-1, float64(i)))
	}
	vals[3] *= 1.2

	robust, err := FitParam("a1", nil, testMass, params(vals, 1e-6), all(len(vals)), ParamDesign{Order: 1, Robust: true}, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	ols, err := FitParam("a1", nil, testMass, params(vals, 1e-6), all(len(vals)), ParamDesign{Order: 1}, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	er := math.Abs(robust.Pred[3].Value-line[3]) / line[3]
	eo := math.Abs(ols.Pred[3].Value-line[3]) / line[3]
	if er > 1e-3 {
		t.Errorf("robust prediction at outlier off by %g", er)
	}
	if eo < 1e-2 {
		t.Errorf("least squares prediction at outlier off by only %g", eo)
	}
	if !math.IsNaN(robust.RSquared) {
		t.Errorf("robust R² %g, want NaN", robust.RSquared)
	}
}

func goodSelf(a1, a2, tau float64) fit.SelfFit {
	s := fit.NaNSelf()
	s.A1 = fit.Param{Value: a1, SE: a1 * 1e-3}
	s.A2 = fit.Param{Value: a2, SE: a2 * 1e-3}
	s.Tau = fit.Param{Value: tau, SE: tau * 1e-3}
	s.RSquared = 0.99
	s.DTMaxP = 2e6
	return s
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name             string
		edit             func(*fit.SelfFit)
		wantACF, wantTau bool
	}{
		{"good", func(*fit.SelfFit) {}, true, true},
		{"a1 noisy", func(s *fit.SelfFit) { s.A1.SE = s.A1.Value * 0.006 }, false, true},
		{"a2 noisy", func(s *fit.SelfFit) { s.A2.SE = s.A2.Value * 0.02 }, false, true},
		{"low R²", func(s *fit.SelfFit) { s.RSquared = 0.96 }, true, false},
		{"very low R²", func(s *fit.SelfFit) { s.RSquared = 0.9 }, false, false},
		{"robust", func(s *fit.SelfFit) { s.RSquared = math.NaN() }, true, true},
		{"low count rate", func(s *fit.SelfFit) { s.DTMaxP = 5e5 }, true, false},
		{"tau noisy", func(s *fit.SelfFit) { s.Tau.SE = s.Tau.Value * 0.05 }, true, false},
		{"no fit", func(s *fit.SelfFit) { *s = fit.NaNSelf() }, false, false},
	}
	for _, tt := range tests {
		s := goodSelf(8e-4, 2e-9, 2e-8)
		tt.edit(&s)
		acf, tau := Recommend(s)
		if acf != tt.wantACF || tau != tt.wantTau {
			t.Errorf("%s: Recommend = %v, %v, want %v, %v", tt.name, acf, tau, tt.wantACF, tt.wantTau)
		}
	}
}

func TestPool(t *testing.T) {
	var in []Input
	for i, m := range []float64{89, 139, 208, 232, 238} {
		in = append(in, Input{
			Label: []string{"Y89", "La139", "Pb208", "Th232", "U238"}[i],
			Mass:  m,
			Self:  goodSelf(5e-4+2e-7*m, 2e-9, 2e-8+1e-11*m),
		})
	}
	in[2].Self.A1.SE = in[2].Self.A1.Value * 0.1
	in[4].Tau = Exclude

	f, err := Pool(in, DefaultDesign())
	if err != nil {
		t.Fatal(err)
	}
	if f.ACFOK[2] || !f.ACFOK[0] {
		t.Errorf("ACF recommendations %v", f.ACFOK)
	}
	if f.A1.Include[2] || f.A2.Include[2] || !f.Tau.Include[2] {
		t.Error("isotope with a poor a1 fit included in the ACF trends or left out of tau")
	}
	if f.Tau.Include[4] || !f.TauOK[4] {
		t.Error("excluded isotope included in the tau trend")
	}
	for i := range in {
		p := f.Pooled(i)
		if !p.A1.Valid() || !p.A2.Valid() || !p.Tau.Valid() {
			t.Errorf("%s: pooled %+v", in[i].Label, p)
		}
	}
	want := 5e-4 + 2e-7*208
	if got := f.A1.Pred[2].Value; math.Abs(got-want)/want > 1e-6 {
		t.Errorf("pooled a1 of Pb208 = %g, want %g", got, want)
	}

	in[2].ACF = Include
	if f, err = Pool(in, DefaultDesign()); err != nil {
		t.Fatal(err)
	}
	if !f.A1.Include[2] {
		t.Error("forced isotope not included")
	}
}
