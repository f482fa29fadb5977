// Package report renders session results as JSON and as terminal tables.
package report

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
	"github.com/houriganUCSC/ACFModeler/internal/session"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
)

// Results is the JSON document written for a processed session.
type Results struct {
	Version   string           `json:"version"`
	Generated time.Time        `json:"generated"`
	Stage     session.Stage    `json:"stage"`
	Settings  session.Settings `json:"settings"`
	Filter    Thresholds       `json:"filter"`
	Mode      regress.Mode     `json:"regression_mode"`

	StartTime    time.Time `json:"start_time"`
	DeadTime     fit.Float `json:"machine_dead_time"`
	MachineACF0  fit.Float `json:"machine_acf0"`
	MachineDrift fit.Float `json:"machine_drift"`

	Samples  []Sample       `json:"samples"`
	Isotopes []Isotope      `json:"isotopes"`
	Spectrum *spectrum.Fits `json:"spectrum,omitempty"`
	Series   *Series        `json:"series,omitempty"`
}

// Thresholds are the resolved filter bounds.
type Thresholds struct {
	PulseMin  fit.Float `json:"pulse_min"`
	PulseMax  fit.Float `json:"pulse_max"`
	AnalogMin fit.Float `json:"analog_min"`
	Outlier   fit.Float `json:"outlier"`
}

// Sample describes one imported scan file.
type Sample struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Group    string    `json:"group"`
	Number   int       `json:"number"`
	Time     time.Time `json:"time"`
	Cycles   int       `json:"cycles"`
	DAT      string    `json:"dat"`
	DAT0     string    `json:"dat_acquired,omitempty"`
	Method   string    `json:"method,omitempty"`
	Tune     string    `json:"tune,omitempty"`
	Metadata bool      `json:"metadata"`
}

// SelfFit is an isotope's own regression.
type SelfFit struct {
	Tau      fit.Param `json:"tau"`
	A1       fit.Param `json:"a1"`
	A2       fit.Param `json:"a2"`
	N        int       `json:"n"`
	RSquared fit.Float `json:"r_squared"`
	RedChi2  fit.Float `json:"red_chi2"`
	ACF0     fit.Float `json:"acf0"`
	Drift    fit.Float `json:"drift"`
	DTMaxP   fit.Float `json:"dt_max_pulse"`
	DTCorr   fit.Float `json:"dt_correction"`
	Tau2     fit.Param `json:"tau_2param"`
	A12      fit.Param `json:"a1_2param"`
}

// Isotope holds the diagnostics and every estimate of one isotope.
type Isotope struct {
	Label      string     `json:"label"`
	Mass       fit.Float  `json:"mass"`
	Channels   int        `json:"channels"`
	Dwell      fit.Float  `json:"dwell"`
	TimeOffset fit.Float  `json:"time_offset"`
	NObs       int        `json:"n_obs"`
	NQual      int        `json:"n_qualified"`
	NIn        int        `json:"n_inliers"`
	AnalogOnly int        `json:"n_analog_only"`
	MaxP       fit.Float  `json:"max_pulse"`
	Self       SelfFit    `json:"self"`
	Internal   fit.Pooled `json:"internal"`
	External   struct {
		Tau fit.Param `json:"tau"`
		A1  fit.Param `json:"a1"`
		A2  fit.Param `json:"a2"`
	} `json:"external"`
	ACF      fit.Selection `json:"acf_selection"`
	Tau      fit.Selection `json:"tau_selection"`
	Selected struct {
		Tau fit.Param `json:"tau"`
		A1  fit.Param `json:"a1"`
		A2  fit.Param `json:"a2"`
	} `json:"selected"`
}

// Series holds the per cycle time series of every isotope.
type Series struct {
	Time     []fit.Float            `json:"time"`
	Sample   []int                  `json:"sample"`
	Raw      map[string][]fit.Float `json:"raw"`
	Modeled  map[string][]fit.Float `json:"modeled,omitempty"`
	ModelErr map[string][]fit.Float `json:"modeled_se,omitempty"`
}

func floats(x []float64) []fit.Float {
	if x == nil {
		return nil
	}
	out := make([]fit.Float, len(x))
	for i, v := range x {
		out[i] = fit.Float(v)
	}
	return out
}

func selfFit(s fit.SelfFit) SelfFit {
	return SelfFit{
		Tau: s.Tau, A1: s.A1, A2: s.A2, N: s.N,
		RSquared: fit.Float(s.RSquared), RedChi2: fit.Float(s.RedChi2),
		ACF0: fit.Float(s.ACF0), Drift: fit.Float(s.Drift),
		DTMaxP: fit.Float(s.DTMaxP), DTCorr: fit.Float(s.DTCorr),
		Tau2: s.Tau2, A12: s.A12,
	}
}

// New collects the results of s. With series the per cycle time series
// are included.
func New(s *session.Session, version string, series bool) Results {
	r := Results{
		Version:   version,
		Generated: time.Now().UTC(),
		Stage:     s.Stage(),
		Settings:  s.Settings,
		Filter: Thresholds{
			PulseMin:  fit.Float(s.Thresholds.PulseMin),
			PulseMax:  fit.Float(s.Thresholds.PulseMax),
			AnalogMin: fit.Float(s.Thresholds.AnalogMin),
			Outlier:   fit.Float(s.Thresholds.Outlier),
		},
		Mode:         s.Regression.Mode,
		DeadTime:     fit.Float(s.DeadTime),
		MachineACF0:  fit.Float(s.MachineACF0),
		MachineDrift: fit.Float(s.MachineDrift),
		Spectrum:     s.Spectrum,
	}
	if len(s.ScanTime) > 0 {
		r.StartTime = time.Unix(int64(s.StartTime), 0).UTC()
	}
	for _, smp := range s.Samples {
		r.Samples = append(r.Samples, Sample{
			ID:       smp.ID,
			Name:     smp.Name,
			Group:    smp.Group,
			Number:   smp.Number,
			Time:     smp.Time.UTC(),
			Cycles:   smp.Cycles,
			DAT:      smp.Paths.DAT,
			DAT0:     smp.Paths.DAT0,
			Method:   smp.Paths.MET,
			Tune:     smp.Paths.TPF,
			Metadata: smp.Metadata != nil,
		})
	}
	for _, m := range s.Masses {
		iso := Isotope{
			Label:      m.Label,
			Mass:       fit.Float(m.AveMass),
			Channels:   m.Channels,
			Dwell:      fit.Float(m.Dwell),
			TimeOffset: fit.Float(m.TimeOffset),
			NObs:       m.NObs,
			NQual:      m.NQual,
			NIn:        m.NIn,
			AnalogOnly: m.AnalogOnly,
			MaxP:       fit.Float(m.MaxP),
			Self:       selfFit(m.Fits.Self),
			Internal:   m.Fits.Internal,
			ACF:        m.Fits.ACF,
			Tau:        m.Fits.Tau,
		}
		e := m.Fits.External
		iso.External.Tau, iso.External.A1, iso.External.A2 = e.Tau, e.A1, e.A2
		sel := m.Fits.Selected()
		iso.Selected.Tau, iso.Selected.A1, iso.Selected.A2 = sel.Tau, sel.A1, sel.A2
		r.Isotopes = append(r.Isotopes, iso)
	}
	if series {
		r.Series = newSeries(s)
	}
	return r
}

func newSeries(s *session.Session) *Series {
	sr := &Series{
		Time:   floats(s.ScanTime),
		Sample: s.SampleKeys,
		Raw:    make(map[string][]fit.Float, len(s.Masses)),
	}
	for _, m := range s.Masses {
		sr.Raw[m.Label] = floats(m.TimeSeries)
		if m.Modeled != nil {
			if sr.Modeled == nil {
				sr.Modeled = make(map[string][]fit.Float)
			}
			sr.Modeled[m.Label] = floats(m.Modeled)
		}
		if m.ModeledErr != nil {
			if sr.ModelErr == nil {
				sr.ModelErr = make(map[string][]fit.Float)
			}
			sr.ModelErr[m.Label] = floats(m.ModeledErr)
		}
	}
	return sr
}

// Write encodes r as indented JSON.
func Write(w io.Writer, r Results) error {
	e := json.NewEncoder(w)
	e.SetIndent(``, `  `)
	return e.Encode(r)
}

// WriteFile writes r to path.
func WriteFile(path string, r Results) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
