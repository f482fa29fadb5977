// Package synth generates scan and setup files whose count rates follow
// the dead time and cross calibration model exactly.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/houriganUCSC/ACFModeler/internal/thermo"
)

// Isotope is a simulated isotope with its true calibration parameters.
type Isotope struct {
	Label string  `toml:"label" yaml:"label"`
	Mass  float64 `toml:"mass" yaml:"mass"`
	Tau   float64 `toml:"tau" yaml:"tau"`
	A1    float64 `toml:"a1" yaml:"a1"`
	A2    float64 `toml:"a2" yaml:"a2"`
}

// Config describes a simulated session.
type Config struct {
	Name          string    `toml:"name" yaml:"name"` // sequence name, also the sample group
	Samples       int       `toml:"samples" yaml:"samples"`
	Cycles        int       `toml:"cycles" yaml:"cycles"`
	Channels      int       `toml:"channels" yaml:"channels"`
	Dwell         float64   `toml:"dwell" yaml:"dwell"`           // per channel, seconds
	CycleTime     float64   `toml:"cycle_time" yaml:"cycle_time"` // seconds, multiple of 1 ms
	Gap           float64   `toml:"gap" yaml:"gap"`               // whole seconds between samples
	DeadTime      float64   `toml:"dead_time" yaml:"dead_time"`   // machine dead time, multiple of 1 ns
	MassSettle    float64   `toml:"mass_settle" yaml:"mass_settle"`
	ChannelSettle float64   `toml:"channel_settle" yaml:"channel_settle"`
	Start         time.Time `toml:"start" yaml:"start"`
	MinAnalog     float64   `toml:"min_analog" yaml:"min_analog"`
	MaxAnalog     float64   `toml:"max_analog" yaml:"max_analog"`
	Noise         float64   `toml:"noise" yaml:"noise"`             // relative, on 1/P'
	PulseLimit    float64   `toml:"pulse_limit" yaml:"pulse_limit"` // higher pulse rates are flagged
	Seed          int64     `toml:"seed" yaml:"seed"`
	Isotopes      []Isotope `toml:"isotopes" yaml:"isotopes"`
}

// DefaultConfig returns a small U-Pb session.
func DefaultConfig() Config {
	iso := func(label string, mass float64) Isotope {
		return Isotope{
			Label: label,
			Mass:  mass,
			Tau:   18e-9 + 2e-11*(mass-200),
			A1:    7.8e-4 + 4e-7*(mass-200),
			A2:    1e-8,
		}
	}
	return Config{
		Name:          "SIM",
		Samples:       4,
		Cycles:        250,
		Channels:      3,
		Dwell:         0.002,
		CycleTime:     0.25,
		Gap:           120,
		DeadTime:      5e-9,
		MassSettle:    0.0005,
		ChannelSettle: 0.001,
		Start:         time.Unix(1700000000, 0),
		MinAnalog:     30,
		MaxAnalog:     1e5,
		Noise:         1e-3,
		PulseLimit:    1e7,
		Seed:          1,
		Isotopes: []Isotope{
			iso("Pb206", 205.974),
			iso("Pb207", 206.976),
			iso("Pb208", 207.977),
			iso("Th232", 232.038),
			iso("U238", 238.051),
		},
	}
}

// ChannelOffsets returns, per isotope, the time of each channel relative
// to the start of the cycle.
func (c Config) ChannelOffsets() [][]float64 {
	out := make([][]float64, len(c.Isotopes))
	var delta float64
	for i := range c.Isotopes {
		off := delta + c.MassSettle
		out[i] = make([]float64, c.Channels)
		for k := range out[i] {
			out[i][k] = off + float64(k)*(c.Dwell+c.ChannelSettle)
		}
		delta += c.MassSettle + float64(c.Channels)*(c.Dwell+c.ChannelSettle)
	}
	return out
}

// SampleName returns the file name stem of the i-th sample.
func (c Config) SampleName(i int) string {
	return fmt.Sprintf("%s_%02d", c.Name, i+1)
}

// Metadata returns the setup file content shared by all samples.
func (c Config) Metadata() *thermo.Metadata {
	m := &thermo.Metadata{
		Time:     c.Start,
		DeadTime: c.DeadTime,
		Runs:     c.Cycles,
		Passes:   1,
		Masses:   len(c.Isotopes),
	}
	for _, iso := range c.Isotopes {
		m.Isotopes = append(m.Isotopes, iso.Label)
	}
	return m
}

// Generate returns the scans of every sample.
func Generate(c Config) ([]*thermo.Scan, error) {
	if c.Samples <= 0 || c.Cycles <= 0 || c.Channels <= 0 || len(c.Isotopes) == 0 {
		return nil, fmt.Errorf("empty session: %d samples, %d cycles, %d channels, %d isotopes",
			c.Samples, c.Cycles, c.Channels, len(c.Isotopes))
	}
	if c.MinAnalog <= 0 || c.MaxAnalog <= c.MinAnalog {
		return nil, fmt.Errorf("invalid analog range %g:%g", c.MinAnalog, c.MaxAnalog)
	}
	rng := rand.New(rand.NewSource(c.Seed))
	offsets := c.ChannelOffsets()
	start := float64(c.Start.Unix())
	span := math.Ceil(float64(c.Cycles)*c.CycleTime) + c.Gap
	ref := c.Isotopes[0]
	logMin, logMax := math.Log10(c.MinAnalog), math.Log10(c.MaxAnalog)

	scans := make([]*thermo.Scan, c.Samples)
	for s := range scans {
		t0 := start + float64(s)*span
		sc := &thermo.Scan{
			Time: time.Unix(int64(t0), 0),
			Paths: thermo.FilePaths{
				DAT0: fmt.Sprintf(`C:\Xcalibur\data\%s\%s.dat`, c.Name, c.SampleName(s)),
				MET:  fmt.Sprintf(`C:\Xcalibur\methods\%s.met`, c.Name),
				TPF:  `C:\Xcalibur\tune\default.tpf`,
			},
		}
		for i := 0; i < c.Cycles; i++ {
			rel := float64(i) * c.CycleTime
			t := t0 + rel - start
			sc.RelTime = append(sc.RelTime, rel)
			sc.ACF = append(sc.ACF, math.Round(64/(ref.A1+ref.A2*t))/64)
			sc.FCF = append(sc.FCF, 5000)
			sc.EDAC = append(sc.EDAC, 1000)
		}
		for k, iso := range c.Isotopes {
			b := thermo.IsotopeBlock{
				Label:     iso.Label,
				Dwell:     c.Dwell,
				Channels:  c.Channels,
				AveMass:   iso.Mass,
				TruncMass: math.Round(iso.Mass/thermo.MassPrecision) * thermo.MassPrecision,
			}
			for ch := 0; ch < c.Channels; ch++ {
				m := iso.Mass + 0.0005*(float64(ch)-float64(c.Channels-1)/2)
				b.MagMasses = append(b.MagMasses, m)
				b.ActMasses = append(b.ActMasses, m)
			}
			for i := 0; i < c.Cycles; i++ {
				level := math.Pow(10, logMin+(logMax-logMin)*rng.Float64())
				pulse := make([]float64, c.Channels)
				analog := make([]float64, c.Channels)
				for ch := range pulse {
					a := math.Round(level * (1 + 0.05*rng.NormFloat64()))
					if a < 1 {
						a = 1
					}
					t := t0 + sc.RelTime[i] + offsets[k][ch] - start
					y := iso.Tau + iso.A1/a + iso.A2*t/a
					y *= 1 + c.Noise*rng.NormFloat64()
					p := 1 / y
					p /= 1 - p*c.DeadTime
					if p > c.PulseLimit || p < 0 {
						p = math.NaN()
					}
					pulse[ch] = p
					analog[ch] = a
				}
				b.Pulse = append(b.Pulse, pulse)
				b.Analog = append(b.Analog, analog)
			}
			sc.Isotopes = append(sc.Isotopes, b)
		}
		scans[s] = sc
	}
	return scans, nil
}

// Write generates the session and writes one scan and one setup file per
// sample into dir/<Name>. It returns the scan file paths.
func Write(dir string, c Config) ([]string, error) {
	scans, err := Generate(c)
	if err != nil {
		return nil, err
	}
	seq := filepath.Join(dir, c.Name)
	if err := os.MkdirAll(seq, 0o755); err != nil {
		return nil, err
	}
	meta := c.Metadata()
	var paths []string
	for i, sc := range scans {
		stem := filepath.Join(seq, c.SampleName(i))
		if err := writeFile(stem+".dat", func(f *os.File) error { return thermo.EncodeScan(f, sc) }); err != nil {
			return nil, err
		}
		m := *meta
		m.Time = sc.Time
		if err := writeFile(stem+".inf", func(f *os.File) error { return thermo.EncodeMetadata(f, &m) }); err != nil {
			return nil, err
		}
		paths = append(paths, stem+".dat")
	}
	return paths, nil
}

func writeFile(path string, enc func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := enc(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
