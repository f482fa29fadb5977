// Package filter selects the pulse/analog pairs usable for cross
// calibration: range qualification followed by IQR outlier rejection.
package filter

import (
	"math"
	"sort"
)

// Defaults
const (
	DefaultPulseMax  = 5e6
	DefaultAnalogMin = 1000
	DefaultOutlier   = 3
)

// Thresholds bound the points used for calibration.
type Thresholds struct {
	PulseMin  float64 // 0 derives the bound from AnalogMin and the session ACF
	PulseMax  float64
	AnalogMin float64
	Outlier   float64 // IQR multiple, <= 0 disables outlier rejection
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PulseMax:  DefaultPulseMax,
		AnalogMin: DefaultAnalogMin,
		Outlier:   DefaultOutlier,
	}
}

// Resolve fills in PulseMin from the mean machine ACF when it is unset.
func (th Thresholds) Resolve(meanACF float64) Thresholds {
	if th.PulseMin == 0 {
		th.PulseMin = th.AnalogMin * meanACF
	}
	return th
}

// Points are simultaneous pulse and analog readings of one isotope.
type Points struct {
	Time   []float64
	Pulse  []float64
	Analog []float64
}

// Len returns the number of points.
func (p Points) Len() int {
	return len(p.Pulse)
}

func (p Points) keep(mask []bool) Points {
	var out Points
	for i, ok := range mask {
		if ok {
			out.Time = append(out.Time, p.Time[i])
			out.Pulse = append(out.Pulse, p.Pulse[i])
			out.Analog = append(out.Analog, p.Analog[i])
		}
	}
	return out
}

// Result holds the points kept and the counts of each stage.
type Result struct {
	Points
	NObs           int       // points offered
	AnalogOnly     int       // points with an analog but no pulse reading
	AnalogOnlyTime []float64 // times of those points
	NQual          int       // points within the thresholds
	NIn            int       // points surviving outlier rejection
	MaxP           float64   // largest pulse rate kept
}

// Apply qualifies p against th and rejects outliers. th.PulseMin must
// already be resolved.
func Apply(p Points, th Thresholds) Result {
	r := Result{NObs: p.Len(), MaxP: math.NaN()}
	for i := range p.Pulse {
		if math.IsNaN(p.Pulse[i]) && !math.IsNaN(p.Analog[i]) {
			r.AnalogOnly++
			r.AnalogOnlyTime = append(r.AnalogOnlyTime, p.Time[i])
		}
	}
	q := Qualify(p, th)
	r.NQual = q.Len()
	r.Points = RejectOutliers(q, th.Outlier)
	r.NIn = r.Points.Len()
	for _, v := range r.Pulse {
		if math.IsNaN(r.MaxP) || v > r.MaxP {
			r.MaxP = v
		}
	}
	return r
}

// Qualify keeps points with PulseMin < pulse < PulseMax and
// analog > AnalogMin. NaN readings never qualify.
func Qualify(p Points, th Thresholds) Points {
	mask := make([]bool, p.Len())
	for i := range mask {
		pu, an := p.Pulse[i], p.Analog[i]
		mask[i] = pu > th.PulseMin && pu < th.PulseMax && an > th.AnalogMin
	}
	return p.keep(mask)
}

// RejectOutliers removes points whose pulse/analog ratio deviates from the
// median by more than k interquartile ranges. Rejection repeats until no
// further point is removed, so applying it to its own output is a no-op.
// With k <= 0, fewer than four points or a zero IQR the points are
// returned unchanged.
func RejectOutliers(p Points, k float64) Points {
	if k <= 0 {
		return p
	}
	for {
		if p.Len() < 4 {
			return p
		}
		acf := make([]float64, p.Len())
		for i := range acf {
			acf[i] = p.Pulse[i] / p.Analog[i]
		}
		q1, med, q3 := Quartiles(acf)
		iqr := q3 - q1
		if iqr == 0 || math.IsNaN(iqr) {
			return p
		}
		mask := make([]bool, len(acf))
		removed := false
		for i, v := range acf {
			mask[i] = math.Abs(v-med)/iqr <= k
			removed = removed || !mask[i]
		}
		if !removed {
			return p
		}
		p = p.keep(mask)
	}
}

// Quartiles returns the first quartile, median and third quartile of x
// using midpoint interpolation. NaN values are ignored.
func Quartiles(x []float64) (q1, med, q3 float64) {
	s := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			s = append(s, v)
		}
	}
	if len(s) == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	sort.Float64s(s)
	return midpoint(s, 0.25), midpoint(s, 0.5), midpoint(s, 0.75)
}

// midpoint returns the p-quantile of sorted s as the mean of the two
// order statistics around position p*(n-1).
func midpoint(s []float64, p float64) float64 {
	h := p * float64(len(s)-1)
	return (s[int(math.Floor(h))] + s[int(math.Ceil(h))]) / 2
}
