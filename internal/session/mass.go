package session

import (
	"math"

	"github.com/houriganUCSC/ACFModeler/internal/filter"
	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
	"github.com/houriganUCSC/ACFModeler/internal/thermo"
)

// Mass accumulates one isotope over all samples. Pulse, Analog and
// Faraday have one row per session cycle; rows of samples that lack the
// isotope are NaN.
type Mass struct {
	Label       string
	Placeholder bool // label is the acquisition index, not an isotope name
	Dwell       float64
	Channels    int
	MagMasses   []float64
	ActMasses   []float64
	AveMass     float64
	TruncMass   float64
	TimeOffset  float64 // start of the first channel after the cycle start

	Pulse   [][]float64
	Analog  [][]float64
	Faraday [][]float64

	// Filter diagnostics
	NObs           int
	NQual          int
	NIn            int
	AnalogOnly     int
	AnalogOnlyTime []float64
	MaxP           float64
	Filtered       filter.Points

	TimeSeries []float64 // reported intensity per cycle with the machine calibration
	Modeled    []float64 // reported intensity per cycle with the selected calibration
	ModeledErr []float64 // nil unless uncertainties are included

	Fits    fit.MassFits
	ACFMask spectrum.Mask // inclusion in the a1 and a2 trends
	TauMask spectrum.Mask
}

func newMass(b *thermo.IsotopeBlock, placeholder bool) *Mass {
	return &Mass{
		Label:       b.Label,
		Placeholder: placeholder,
		Dwell:       b.Dwell,
		Channels:    b.Channels,
		MagMasses:   b.MagMasses,
		ActMasses:   b.ActMasses,
		AveMass:     b.AveMass,
		TruncMass:   b.TruncMass,
		MaxP:        math.NaN(),
		Fits:        fit.NewMassFits(),
	}
}

// TotalDwell returns the time spent on the isotope in one cycle.
func (m *Mass) TotalDwell() float64 {
	return float64(m.Channels) * m.Dwell
}

func nanRows(n, cols int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		r := make([]float64, cols)
		for j := range r {
			r[j] = math.NaN()
		}
		rows[i] = r
	}
	return rows
}

// rowsOf returns m if it holds n rows of cols values, else NaN rows.
func rowsOf(m [][]float64, n, cols int) [][]float64 {
	if len(m) != n || n > 0 && len(m[0]) != cols {
		return nanRows(n, cols)
	}
	return m
}

func (m *Mass) pad(n int) {
	m.Pulse = append(m.Pulse, nanRows(n, m.Channels)...)
	m.Analog = append(m.Analog, nanRows(n, m.Channels)...)
	m.Faraday = append(m.Faraday, nanRows(n, m.Channels)...)
}

func (m *Mass) appendBlock(b *thermo.IsotopeBlock, n int) {
	m.Pulse = append(m.Pulse, rowsOf(b.Pulse, n, m.Channels)...)
	m.Analog = append(m.Analog, rowsOf(b.Analog, n, m.Channels)...)
	m.Faraday = append(m.Faraday, rowsOf(b.Faraday, n, m.Channels)...)
}

func (m *Mass) permute(perm []int) {
	for _, p := range []*[][]float64{&m.Pulse, &m.Analog, &m.Faraday} {
		rows := make([][]float64, len(perm))
		for i, j := range perm {
			rows[i] = (*p)[j]
		}
		*p = rows
	}
}

// ChannelTimes returns the measurement time of every channel of a cycle
// that started at scanTime.
func (m *Mass) ChannelTimes(scanTime, channelSettle float64) []float64 {
	t := make([]float64, m.Channels)
	for k := range t {
		t[k] = scanTime + m.TimeOffset + float64(k)*(m.Dwell+channelSettle)
	}
	return t
}

// Points flattens the readings of all cycles and channels with their
// measurement times.
func (m *Mass) Points(s *Session) filter.Points {
	n := len(m.Pulse) * m.Channels
	p := filter.Points{
		Time:   make([]float64, 0, n),
		Pulse:  make([]float64, 0, n),
		Analog: make([]float64, 0, n),
	}
	for c, st := range s.ScanTime {
		p.Time = append(p.Time, m.ChannelTimes(st, s.Settings.ChannelSettle)...)
		p.Pulse = append(p.Pulse, m.Pulse[c]...)
		p.Analog = append(p.Analog, m.Analog[c]...)
	}
	return p
}

func nanMean(x []float64) float64 {
	var sum float64
	var n int
	for _, v := range x {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// calculateTimeSeries reports, per cycle, the mean over channels of the
// pulse rate below the cross-over and the analog reading scaled by the
// machine ACF above it.
func (m *Mass) calculateTimeSeries(s *Session) {
	m.TimeSeries = make([]float64, len(m.Pulse))
	row := make([]float64, m.Channels)
	for c := range m.Pulse {
		for k := range row {
			v := m.Analog[c][k] * s.ACF[c]
			if p := m.Pulse[c][k]; s.Settings.PulseCross > p {
				v = p
			}
			if math.IsNaN(v) && !s.Settings.IgnoreFaraday {
				v = m.Faraday[c][k] * s.FCF[c]
			}
			row[k] = v
		}
		m.TimeSeries[c] = nanMean(row)
	}
}

// PostProcessTimeSeries models the time series with the selected
// parameters. Analog readings are scaled by 1/(a1+a2*t), pulse rates are
// corrected for the dead time tau; the pulse rate is reported below the
// cross-over and the scaled analog reading above it. Without usable a1/a2
// the machine ACF is used, without usable tau the pulse rates are kept.
func (m *Mass) PostProcessTimeSeries(sel fit.Selected, s *Session) {
	withACF := sel.A1.Valid() && sel.A2.Valid()
	withTau := sel.Tau.Valid()
	unc := s.Settings.IncludeUncertainty

	m.Modeled = make([]float64, len(m.Pulse))
	m.ModeledErr = nil
	if unc {
		m.ModeledErr = make([]float64, len(m.Pulse))
	}
	row := make([]float64, m.Channels)
	errRow := make([]float64, m.Channels)
	for c, st := range s.ScanTime {
		times := m.ChannelTimes(st, s.Settings.ChannelSettle)
		for k := range row {
			t := times[k] - s.StartTime
			a, p := m.Analog[c][k], m.Pulse[c][k]

			acf, dA := s.ACF[c], math.NaN()
			if withACF {
				acf = 1 / (sel.A1.Value + sel.A2.Value*t)
				dA = a * acf * acf * math.Hypot(sel.A1.SE, t*sel.A2.SE)
			}
			modelA := a * acf

			modelP, dP := p, math.NaN()
			if withTau {
				pu := p / (1 + p*s.DeadTime)
				modelP = pu / (1 - pu*sel.Tau.Value)
				dP = math.Sqrt(p/m.Dwell+math.Pow(p*p*sel.Tau.SE, 2)) / (1 - p*sel.Tau.Value)
			}

			v, e := modelA, dA
			if s.Settings.PulseCross > modelP {
				v, e = modelP, dP
			}
			if math.IsNaN(v) && !s.Settings.IgnoreFaraday {
				v, e = m.Faraday[c][k]*s.FCF[c], math.NaN()
			}
			row[k], errRow[k] = v, e
		}
		m.Modeled[c] = nanMean(row)
		if unc {
			m.ModeledErr[c] = nanMean(errRow)
		}
	}
}
