// Package session aggregates the decoded scan files of an analytical
// session and runs the calibration pipeline over them: filtering and
// regression per isotope, pooling over the mass spectrum and modeling of
// the corrected time series.
//
// A Session is filled by Merge (or Import), which may be called from
// several goroutines. All other methods must not run concurrently with
// each other or with Merge.
package session

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/houriganUCSC/ACFModeler/internal/filter"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
	"github.com/houriganUCSC/ACFModeler/internal/thermo"
)

// Errors
var (
	ErrNotImported    = errors.New("no samples imported")
	ErrStage          = errors.New("pipeline stage not reached")
	ErrUnknownIsotope = errors.New("unknown isotope")
	ErrLayout         = errors.New("isotope layout differs from session")
)

// Stage is the progress of the pipeline.
type Stage int

// Stages
const (
	Empty    Stage = iota
	Imported       // merged and finalized
	Fitted         // filtered and regressed per isotope
	Pooled         // spectrum trends fitted
	Modeled        // time series post processed
)

var stageNames = []string{"empty", "imported", "fitted", "pooled", "modeled"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Defaults
const (
	DefaultPulseCross    = 4e6
	DefaultMassSettle    = 0.0005
	DefaultChannelSettle = 0.001
)

// Settings describe the instrument timing and how intensities are
// reported.
type Settings struct {
	PulseCross         float64 `toml:"pulse_cross" yaml:"pulse_cross"` // pulse rate from which analog readings are reported
	IgnoreFaraday      bool    `toml:"ignore_faraday" yaml:"ignore_faraday"`
	MassSettle         float64 `toml:"mass_settle" yaml:"mass_settle"`       // seconds before each isotope
	ChannelSettle      float64 `toml:"channel_settle" yaml:"channel_settle"` // seconds after each channel
	IncludeUncertainty bool    `toml:"include_uncertainty" yaml:"include_uncertainty"`
}

// DefaultSettings returns the settings of a Thermo Element XR.
func DefaultSettings() Settings {
	return Settings{
		PulseCross:    DefaultPulseCross,
		IgnoreFaraday: true,
		MassSettle:    DefaultMassSettle,
		ChannelSettle: DefaultChannelSettle,
	}
}

// Option configures a new Session.
type Option func(*Session)

// WithSettings replaces the default settings.
func WithSettings(st Settings) Option {
	return func(s *Session) { s.Settings = st }
}

// WithLogger sets the logger; the default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

// Session is the aggregate of all samples of one analytical session.
//
// ScanTime, SampleKeys, ACF, FCF and EDAC hold one entry per cycle and are
// index aligned, as are the rows of every Mass.
type Session struct {
	Settings Settings
	Method   *thermo.Metadata // first setup file seen, used for files without one

	Samples []*Sample
	Masses  []*Mass // in acquisition order

	ScanTime   []float64 // Unix seconds
	SampleKeys []int
	ACF        []float64
	FCF        []float64
	EDAC       []float64

	StartTime    float64 // Unix seconds
	DeadTime     float64 // machine dead time applied to the pulse rates
	MachineACF0  float64
	MachineDrift float64 // relative change of the machine ACF over the session

	Thresholds filter.Thresholds
	Regression regress.Config
	Design     spectrum.Design
	Spectrum   *spectrum.Fits

	stage     Stage
	nextID    int
	massIndex map[string]int
	log       logrus.FieldLogger
	mu        sync.Mutex
}

// New returns an empty session.
func New(opts ...Option) *Session {
	s := &Session{
		Settings:     DefaultSettings(),
		StartTime:    math.NaN(),
		MachineACF0:  math.NaN(),
		MachineDrift: math.NaN(),
		Thresholds:   filter.DefaultThresholds(),
		Regression:   regress.DefaultConfig(),
		Design:       spectrum.DefaultDesign(),
		massIndex:    make(map[string]int),
		log:          logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stage returns how far the pipeline has progressed.
func (s *Session) Stage() Stage {
	return s.stage
}

func (s *Session) need(st Stage) error {
	if len(s.Samples) == 0 {
		return ErrNotImported
	}
	if s.stage < st {
		return fmt.Errorf("%w: session is %s, need %s", ErrStage, s.stage, st)
	}
	return nil
}

// Cycles returns the number of cycles of all samples.
func (s *Session) Cycles() int {
	return len(s.ScanTime)
}

// Mass returns the isotope with the given label.
func (s *Session) Mass(label string) (*Mass, bool) {
	i, ok := s.massIndex[label]
	if !ok {
		return nil, false
	}
	return s.Masses[i], true
}

// Sample returns the sample with the given ID.
func (s *Session) Sample(id int) (*Sample, bool) {
	for _, smp := range s.Samples {
		if smp.ID == id {
			return smp, true
		}
	}
	return nil, false
}

// SampleRows returns the cycle indices of the sample with the given ID.
func (s *Session) SampleRows(id int) []int {
	var rows []int
	for i, k := range s.SampleKeys {
		if k == id {
			rows = append(rows, i)
		}
	}
	return rows
}

// NeedsIsotopeIDs reports whether isotopes still carry placeholder labels
// because no setup file was available.
func (s *Session) NeedsIsotopeIDs() bool {
	for _, m := range s.Masses {
		if m.Placeholder {
			return true
		}
	}
	return false
}

// Span returns the time between the first and the last cycle.
func (s *Session) Span() float64 {
	if len(s.ScanTime) == 0 {
		return math.NaN()
	}
	lo, hi := s.ScanTime[0], s.ScanTime[0]
	for _, t := range s.ScanTime {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return hi - lo
}
