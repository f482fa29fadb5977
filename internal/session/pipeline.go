package session

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/houriganUCSC/ACFModeler/internal/filter"
	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
)

// FilterAndFit selects the usable points of every isotope and fits the
// dead time and cross calibration model to them. Isotopes are processed
// in parallel. A failed fit leaves that isotope's results NaN; all
// failures are returned joined.
func (s *Session) FilterAndFit(th filter.Thresholds, cfg regress.Config) error {
	if err := s.need(Imported); err != nil {
		return err
	}
	th = th.Resolve(nanMean(s.ACF))
	s.Thresholds = th
	s.Regression = cfg
	span := s.Span()

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	var mu sync.Mutex
	var errs []error
	for _, m := range s.Masses {
		m := m
		g.Go(func() error {
			if err := m.filterAndFit(s, th, cfg, span); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	s.Spectrum = nil
	s.stage = Fitted
	return errors.Join(errs...)
}

func (m *Mass) filterAndFit(s *Session, th filter.Thresholds, cfg regress.Config, span float64) error {
	r := filter.Apply(m.Points(s), th)
	m.NObs, m.NQual, m.NIn, m.AnalogOnly, m.MaxP = r.NObs, r.NQual, r.NIn, r.AnalogOnly, r.MaxP
	m.AnalogOnlyTime = r.AnalogOnlyTime
	m.Filtered = r.Points

	obs := regress.Observations{
		Time:     r.Time,
		Pulse:    r.Pulse,
		Analog:   r.Analog,
		Dwell:    m.TotalDwell(),
		DeadTime: s.DeadTime,
		Start:    s.StartTime,
		Span:     span,
		MaxP:     r.MaxP,
	}
	self, err := regress.FitIsotope(m.Label, obs, cfg)
	m.Fits.Self = self
	m.Fits.Internal = fit.NaNPooled()
	m.Fits.SyncAvailability()
	acfOK, tauOK := spectrum.Recommend(self)
	m.Fits.ACF.Recommend(acfOK)
	m.Fits.Tau.Recommend(tauOK)

	log := s.log.WithFields(logrus.Fields{
		"isotope": m.Label,
		"nQual":   m.NQual,
		"nIn":     m.NIn,
	})
	if err != nil {
		log.WithError(err).Warn("regression failed")
		return err
	}
	if !self.Valid() {
		log.Info("too few points for regression")
		return nil
	}
	log.WithFields(logrus.Fields{
		"acf0":  self.ACF0,
		"drift": self.Drift,
		"tau":   self.Tau.Value,
	}).Debug("fitted")
	return nil
}

// PoolSpectrum fits the trends of a1, a2 and tau over the isotope masses
// and stores each isotope's prediction as its internal estimate. It needs
// every isotope to be fitted first. Trends that cannot be fitted leave
// their predictions NaN and are reported in the returned error.
func (s *Session) PoolSpectrum(d spectrum.Design) (*spectrum.Fits, error) {
	if err := s.need(Fitted); err != nil {
		return nil, err
	}
	in := make([]spectrum.Input, len(s.Masses))
	for i, m := range s.Masses {
		in[i] = spectrum.Input{
			Label: m.Label,
			Mass:  m.AveMass,
			Self:  m.Fits.Self,
			ACF:   m.ACFMask,
			Tau:   m.TauMask,
		}
	}
	f, err := spectrum.Pool(in, d)
	for i, m := range s.Masses {
		m.Fits.Internal = f.Pooled(i)
		m.Fits.SyncAvailability()
		m.Fits.ACF.Recommend(f.ACFOK[i])
		m.Fits.Tau.Recommend(f.TauOK[i])
	}
	if err != nil {
		s.log.WithError(err).Warn("spectrum pooling incomplete")
	}
	s.Design = d
	s.Spectrum = f
	s.stage = Pooled
	return f, err
}

// PostProcess models the time series of every isotope with its
// authoritative parameters.
func (s *Session) PostProcess() error {
	if err := s.need(Fitted); err != nil {
		return err
	}
	for _, m := range s.Masses {
		sel := m.Fits.Selected()
		m.PostProcessTimeSeries(sel, s)
		s.log.WithFields(logrus.Fields{
			"isotope": m.Label,
			"acf":     sel.ACFSource,
			"tau":     sel.TauSource,
		}).Debug("modeled")
	}
	s.stage = Modeled
	return nil
}

// SetExternal supplies externally determined parameters by isotope label.
// Labels not in the session are ignored.
func (s *Session) SetExternal(ext map[string]fit.ExternalFit) {
	for _, m := range s.Masses {
		e, ok := ext[m.Label]
		if !ok {
			continue
		}
		m.Fits.External = e
		m.Fits.SyncAvailability()
	}
}

// Group selects the parameters a selection applies to.
type Group int

// Groups
const (
	ACF Group = iota // a1 and a2
	Tau
)

func (g Group) String() string {
	if g == Tau {
		return "tau"
	}
	return "acf"
}

// ParseGroup converts a name as returned by String to a Group.
func ParseGroup(name string) (Group, error) {
	switch name {
	case "acf", "a1", "a2":
		return ACF, nil
	case "tau":
		return Tau, nil
	}
	return 0, fmt.Errorf("unknown parameter group %q, want acf or tau", name)
}

func (m *Mass) selection(g Group) *fit.Selection {
	if g == Tau {
		return &m.Fits.Tau
	}
	return &m.Fits.ACF
}

// Override makes src authoritative for a parameter group of an isotope.
func (s *Session) Override(label string, g Group, src fit.Source) error {
	m, ok := s.Mass(label)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIsotope, label)
	}
	if err := m.selection(g).Override(src); err != nil {
		return fmt.Errorf("%s %s: %w", label, g, err)
	}
	return nil
}

// SetMask controls whether an isotope contributes to the trends of a
// parameter group.
func (s *Session) SetMask(label string, g Group, mask spectrum.Mask) error {
	m, ok := s.Mass(label)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIsotope, label)
	}
	if g == Tau {
		m.TauMask = mask
	} else {
		m.ACFMask = mask
	}
	return nil
}
