// Package config reads the optional configuration file. Values are
// pointers; keys absent from the file leave the defaults and flags alone.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/houriganUCSC/ACFModeler/internal/filter"
	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
	"github.com/houriganUCSC/ACFModeler/internal/session"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
	"github.com/houriganUCSC/ACFModeler/internal/synth"
)

// File represents the configuration file.
type File struct {
	Workers     *int    `toml:"workers" yaml:"workers"`
	Store       *string `toml:"store" yaml:"store"`
	MetricsFile *string `toml:"metrics-file" yaml:"metrics-file"`

	Session    SessionConfig    `toml:"session" yaml:"session"`
	Filter     FilterConfig     `toml:"filter" yaml:"filter"`
	Regression RegressionConfig `toml:"regression" yaml:"regression"`
	Spectrum   SpectrumConfig   `toml:"spectrum" yaml:"spectrum"`

	// External parameters by isotope label.
	External map[string]ExternalConfig `toml:"external" yaml:"external"`
}

// SessionConfig maps session.Settings.
type SessionConfig struct {
	PulseCross         *float64 `toml:"pulse-cross" yaml:"pulse-cross"`
	IgnoreFaraday      *bool    `toml:"ignore-faraday" yaml:"ignore-faraday"`
	MassSettle         *float64 `toml:"mass-settle" yaml:"mass-settle"`
	ChannelSettle      *float64 `toml:"channel-settle" yaml:"channel-settle"`
	IncludeUncertainty *bool    `toml:"include-uncertainty" yaml:"include-uncertainty"`
}

// FilterConfig maps filter.Thresholds.
type FilterConfig struct {
	PulseMin  *float64 `toml:"pulse-min" yaml:"pulse-min"`
	PulseMax  *float64 `toml:"pulse-max" yaml:"pulse-max"`
	AnalogMin *float64 `toml:"analog-min" yaml:"analog-min"`
	Outlier   *float64 `toml:"outlier" yaml:"outlier"`
}

// RegressionConfig maps regress.Config.
type RegressionConfig struct {
	Mode      *string `toml:"mode" yaml:"mode"`
	Norm      *string `toml:"norm" yaml:"norm"`
	Whiten    *bool   `toml:"whiten" yaml:"whiten"`
	MinPoints *int    `toml:"min-points" yaml:"min-points"`
}

// TrendConfig maps spectrum.ParamDesign.
type TrendConfig struct {
	Order    *int  `toml:"order" yaml:"order"`
	Weighted *bool `toml:"weighted" yaml:"weighted"`
	Robust   *bool `toml:"robust" yaml:"robust"`
}

// SpectrumConfig maps spectrum.Design.
type SpectrumConfig struct {
	A1         TrendConfig `toml:"a1" yaml:"a1"`
	A2         TrendConfig `toml:"a2" yaml:"a2"`
	Tau        TrendConfig `toml:"tau" yaml:"tau"`
	Confidence *float64    `toml:"confidence" yaml:"confidence"`
}

// ExternalConfig holds externally determined parameters of one isotope.
type ExternalConfig struct {
	Tau   *float64 `toml:"tau" yaml:"tau"`
	TauSE *float64 `toml:"tau-se" yaml:"tau-se"`
	A1    *float64 `toml:"a1" yaml:"a1"`
	A1SE  *float64 `toml:"a1-se" yaml:"a1-se"`
	A2    *float64 `toml:"a2" yaml:"a2"`
	A2SE  *float64 `toml:"a2-se" yaml:"a2-se"`
}

// Load reads a TOML or YAML config, chosen by the file extension. A
// missing file is not an error. Unknown keys are.
func Load(path string) (File, error) {
	var cfg File
	if err := load(path, &cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// LoadSimulation reads a simulated session description. Keys absent from
// the file keep the values of synth.DefaultConfig. Unlike Load, the file
// must exist.
func LoadSimulation(path string) (synth.Config, error) {
	c := synth.DefaultConfig()
	if _, err := os.Stat(path); err != nil {
		return c, err
	}
	if err := load(path, &c); err != nil {
		return synth.DefaultConfig(), err
	}
	return c, nil
}

func load(path string, v any) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return fmt.Errorf("failed to decode config %s: %w", path, err)
		}
		if und := md.Undecoded(); len(und) > 0 {
			keys := make([]string, len(und))
			for i, k := range und {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Apply overlays the configured values on st.
func (c SessionConfig) Apply(st *session.Settings) {
	set(&st.PulseCross, c.PulseCross)
	set(&st.IgnoreFaraday, c.IgnoreFaraday)
	set(&st.MassSettle, c.MassSettle)
	set(&st.ChannelSettle, c.ChannelSettle)
	set(&st.IncludeUncertainty, c.IncludeUncertainty)
}

// Apply overlays the configured values on th.
func (c FilterConfig) Apply(th *filter.Thresholds) {
	set(&th.PulseMin, c.PulseMin)
	set(&th.PulseMax, c.PulseMax)
	set(&th.AnalogMin, c.AnalogMin)
	set(&th.Outlier, c.Outlier)
}

// Apply overlays the configured values on cfg.
func (c RegressionConfig) Apply(cfg *regress.Config) error {
	if c.Mode != nil {
		m, err := regress.ParseMode(*c.Mode)
		if err != nil {
			return fmt.Errorf("regression.mode: %w", err)
		}
		cfg.Mode = m
	}
	if c.Norm != nil {
		n, err := regress.ParseNorm(*c.Norm)
		if err != nil {
			return fmt.Errorf("regression.norm: %w", err)
		}
		cfg.Norm = n
	}
	set(&cfg.Whiten, c.Whiten)
	set(&cfg.MinPoints, c.MinPoints)
	return nil
}

// Apply overlays the configured values on d.
func (c TrendConfig) Apply(d *spectrum.ParamDesign) {
	set(&d.Order, c.Order)
	set(&d.Weighted, c.Weighted)
	set(&d.Robust, c.Robust)
}

// Apply overlays the configured values on d.
func (c SpectrumConfig) Apply(d *spectrum.Design) {
	c.A1.Apply(&d.A1)
	c.A2.Apply(&d.A2)
	c.Tau.Apply(&d.Tau)
	set(&d.Confidence, c.Confidence)
}

func param(v, se *float64) fit.Param {
	p := fit.NaN()
	set(&p.Value, v)
	set(&p.SE, se)
	return p
}

// ExternalFits returns the configured external parameters. Values left
// out are NaN.
func (f File) ExternalFits() map[string]fit.ExternalFit {
	if len(f.External) == 0 {
		return nil
	}
	out := make(map[string]fit.ExternalFit, len(f.External))
	for label, e := range f.External {
		out[label] = fit.ExternalFit{
			Tau: param(e.Tau, e.TauSE),
			A1:  param(e.A1, e.A1SE),
			A2:  param(e.A2, e.A2SE),
		}
	}
	return out
}

// Template returns a commented config file with the default values.
func Template() string {
	st := session.DefaultSettings()
	th := filter.DefaultThresholds()
	d := spectrum.DefaultDesign()
	return fmt.Sprintf(`# acfmodeler configuration
# Uncomment a value to enable it. CLI flags override config values.

# workers = 4                   # Files decoded in parallel
# store = %q
# metrics-file = ""             # Prometheus textfile output

[session]
# pulse-cross = %g            # Pulse rate above which analog readings are reported (cps)
# ignore-faraday = %t
# mass-settle = %g            # Seconds before each isotope
# channel-settle = %g         # Seconds after each channel
# include-uncertainty = false

[filter]
# pulse-min = 0                 # 0 derives the bound from analog-min and the session ACF
# pulse-max = %g
# analog-min = %g
# outlier = %g                    # IQR multiple, 0 disables outlier rejection

[regression]
# mode = "weighted"             # ordinary, weighted or robust
# norm = "tukey"                # %s
# whiten = false
# min-points = %d

[spectrum]
# confidence = %g
[spectrum.a1]
# order = %d
# weighted = %t
# robust = false

# [external.U238]
# tau = 18e-9
# tau-se = 1e-10
`,
		DefaultStorePath(),
		st.PulseCross, st.IgnoreFaraday, st.MassSettle, st.ChannelSettle,
		th.PulseMax, th.AnalogMin, th.Outlier,
		strings.Join(regress.NormNames(), ", "), regress.DefaultMinPoints,
		d.Confidence, d.A1.Order, d.A1.Weighted,
	)
}
