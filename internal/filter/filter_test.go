package filter

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestQuartiles(t *testing.T) {
	tests := []struct {
		x            []float64
		q1, med, q3 float64
	}{
		{[]float64{4, 1, 3, 2}, 1.5, 2.5, 3.5},
		{[]float64{1, 2, 3, 4, 5}, 2, 3, 4},
		{[]float64{7, math.NaN(), 7, 7}, 7, 7, 7},
	}
	for _, tt := range tests {
		q1, med, q3 := Quartiles(tt.x)
		if q1 != tt.q1 || med != tt.med || q3 != tt.q3 {
			t.Errorf("Quartiles(%v) = %g, %g, %g, want %g, %g, %g",
				tt.x, q1, med, q3, tt.q1, tt.med, tt.q3)
		}
	}
}

func TestQualify(t *testing.T) {
	p := Points{
		Time:   []float64{0, 1, 2, 3, 4, 5},
		Pulse:  []float64{5e4, 2e6, 6e6, math.NaN(), 3e6, 1e6},
		Analog: []float64{40, 1600, 5000, 900, 2500, 800},
	}
	th := Thresholds{PulseMin: 1e5, PulseMax: 5e6, AnalogMin: 1000}
	r := Apply(p, th)
	if r.NObs != 6 || r.NQual != 2 || r.NIn != 2 || r.AnalogOnly != 1 {
		t.Errorf("counts obs=%d qual=%d in=%d anOnly=%d, want 6 2 2 1",
			r.NObs, r.NQual, r.NIn, r.AnalogOnly)
	}
	if diff := cmp.Diff([]float64{1, 4}, r.Time); diff != "" {
		t.Errorf("kept times mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{3}, r.AnalogOnlyTime); diff != "" {
		t.Errorf("analog only times mismatch (-want +got):\n%s", diff)
	}
	if r.MaxP != 3e6 {
		t.Errorf("MaxP %g, want 3e6", r.MaxP)
	}
}

func TestResolvePulseMin(t *testing.T) {
	th := DefaultThresholds().Resolve(1200)
	if th.PulseMin != 1.2e6 {
		t.Errorf("PulseMin %g, want 1.2e6", th.PulseMin)
	}
	th = Thresholds{PulseMin: 10, AnalogMin: 1000}.Resolve(1200)
	if th.PulseMin != 10 {
		t.Errorf("explicit PulseMin replaced by %g", th.PulseMin)
	}
}

func noisyPoints(n int, outliers float64, seed int64) Points {
	rng := rand.New(rand.NewSource(seed))
	var p Points
	for i := 0; i < n; i++ {
		a := 1000 + 4000*rng.Float64()
		acf := 1200 * (1 + 0.01*rng.NormFloat64())
		if rng.Float64() < outliers {
			acf *= 1 + 2*rng.Float64()
		}
		p.Time = append(p.Time, float64(i))
		p.Analog = append(p.Analog, a)
		p.Pulse = append(p.Pulse, a*acf)
	}
	return p
}

func TestRejectOutliersIdempotent(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		p := noisyPoints(500, 0.05, seed)
		for _, k := range []float64{1, 1.5, 3, 3.5} {
			once := RejectOutliers(p, k)
			twice := RejectOutliers(once, k)
			if diff := cmp.Diff(once, twice); diff != "" {
				t.Fatalf("seed %d k %g: second pass changed result (-once +twice):\n%s", seed, k, diff)
			}
			if once.Len() >= p.Len() {
				t.Errorf("seed %d k %g: no outliers removed", seed, k)
			}
		}
	}
}

func TestRejectOutliersZeroIQR(t *testing.T) {
	p := Points{
		Time:   []float64{0, 1, 2, 3, 4},
		Pulse:  []float64{1200, 1200, 1200, 1200, 9000},
		Analog: []float64{1, 1, 1, 1, 1},
	}
	if got := RejectOutliers(p, 3); got.Len() != 5 {
		t.Errorf("zero IQR kept %d points, want 5", got.Len())
	}
	if got := RejectOutliers(p, 0); got.Len() != 5 {
		t.Errorf("disabled rejection kept %d points, want 5", got.Len())
	}
}
