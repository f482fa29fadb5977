// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/houriganUCSC/ACFModeler/internal/config"
	"github.com/houriganUCSC/ACFModeler/internal/filter"
	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/metrics"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
	"github.com/houriganUCSC/ACFModeler/internal/report"
	"github.com/houriganUCSC/ACFModeler/internal/session"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
	"github.com/houriganUCSC/ACFModeler/internal/store"
)

var (
	procWorkers       int
	procOutput        string
	procMetricsFile   string
	procSeries        bool
	procCommit        bool
	procUseStore      bool
	procRunName       string
	procIsotopes      []string
	procPulseRange    string
	procPulseCross    float64
	procIgnoreFaraday bool
	procInclUnc       bool
	procAnalogMin     float64
	procOutlier       float64
	procMode          string
	procNorm          string
	procWhiten        bool
	procMinPoints     int
	procOrder         int
	procOverrides     []string
	procInclude       []string
	procExclude       []string
)

func newProcessCmd() *cobra.Command {
	st := session.DefaultSettings()
	th := filter.DefaultThresholds()
	rc := regress.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "process [flags] <file.dat>...",
		Short: "Calibrate the scan files of one session",
		Long: `Import the scan files of one session, filter and fit every isotope, pool
the parameters over the mass spectrum and model the time series.

A fit table is printed and the results are written as JSON. By default
the JSON file is named after the directory of the first scan file, e.g.
SEQ/SEQ-acf.json. Use "-o -" to write it to stdout.

Flags override values of the config file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runProcessCmd,
	}
	f := cmd.Flags()
	f.IntVar(&procWorkers, "workers", runtime.NumCPU(), "files decoded in parallel")
	f.StringVarP(&procOutput, "output", "o", "", "`file` for the JSON results")
	f.StringVar(&procMetricsFile, "metrics-file", "", "write Prometheus metrics in textfile format to `file`")
	f.BoolVar(&procSeries, "series", false, "include the per cycle time series in the results")
	f.BoolVar(&procCommit, "commit", false, "commit the authoritative parameters to the calibration store")
	f.BoolVar(&procUseStore, "external-store", false, "use the latest committed parameters as external estimates")
	f.StringVar(&procRunName, "name", "", "run `name` in the calibration store (default: directory of the first file)")
	f.StringSliceVar(&procIsotopes, "isotopes", nil, "isotope `labels` in acquisition order, for files without setup file")
	f.StringVar(&procPulseRange, "pulse-range", fmt.Sprintf(":%g", th.PulseMax),
		"pulse rate `range`(s) of usable points. An empty minimum derives it from\n--analog-min and the machine ACF")
	f.Float64Var(&procPulseCross, "pulse-cross", st.PulseCross, "pulse rate from which analog readings are reported (cps)")
	f.BoolVar(&procIgnoreFaraday, "ignore-faraday", st.IgnoreFaraday, "ignore Faraday readings when reporting intensities")
	f.BoolVar(&procInclUnc, "include-uncertainty", st.IncludeUncertainty, "propagate parameter uncertainties into the modeled series")
	f.Float64Var(&procAnalogMin, "analog-min", th.AnalogMin, "minimum analog reading of usable points (cps)")
	f.Float64Var(&procOutlier, "outlier", th.Outlier, "IQR multiple for outlier rejection, 0 disables it")
	f.StringVar(&procMode, "mode", rc.Mode.String(), "regression `mode`: ordinary, weighted or robust")
	f.StringVar(&procNorm, "norm", rc.Norm.Name(), "robust `norm`: "+strings.Join(regress.NormNames(), ", "))
	f.BoolVar(&procWhiten, "whiten", rc.Whiten, "scale rows by the weights before a robust fit")
	f.IntVar(&procMinPoints, "min-points", rc.MinPoints, "number of points a fit needs to exceed")
	f.IntVar(&procOrder, "order", spectrum.DefaultDesign().A1.Order,
		fmt.Sprintf("polynomial order of every spectrum trend (0:%d)", spectrum.MaxOrder))
	f.StringSliceVar(&procOverrides, "override", nil,
		"make a source authoritative, e.g. U238:tau=external or Pb206:acf=internal")
	f.StringSliceVar(&procInclude, "include", nil, "always pool these isotopes, e.g. U238 or U238:tau")
	f.StringSliceVar(&procExclude, "exclude", nil, "never pool these isotopes, e.g. Pb204 or Pb204:acf")
	return cmd
}

// processConfig holds the resolved pipeline settings.
type processConfig struct {
	workers     int
	settings    session.Settings
	thresholds  filter.Thresholds
	regression  regress.Config
	design      spectrum.Design
	external    map[string]fit.ExternalFit
	storePath   string
	metricsFile string
}

// resolveProcessConfig layers defaults, the config file and the flags
// given on the command line, in that order.
func resolveProcessConfig(cmd *cobra.Command, cfg config.File) (processConfig, error) {
	pc := processConfig{
		workers:    runtime.NumCPU(),
		settings:   session.DefaultSettings(),
		thresholds: filter.DefaultThresholds(),
		regression: regress.DefaultConfig(),
		design:     spectrum.DefaultDesign(),
		external:   cfg.ExternalFits(),
		storePath:  resolveStorePath(cmd, cfg),
	}
	applyConfig(&pc.workers, cfg.Workers)
	applyFlag(cmd, "workers", &pc.workers, procWorkers)
	applyConfig(&pc.metricsFile, cfg.MetricsFile)
	applyFlag(cmd, "metrics-file", &pc.metricsFile, procMetricsFile)

	cfg.Session.Apply(&pc.settings)
	applyFlag(cmd, "pulse-cross", &pc.settings.PulseCross, procPulseCross)
	applyFlag(cmd, "ignore-faraday", &pc.settings.IgnoreFaraday, procIgnoreFaraday)
	applyFlag(cmd, "include-uncertainty", &pc.settings.IncludeUncertainty, procInclUnc)

	cfg.Filter.Apply(&pc.thresholds)
	if cmd.Flags().Changed("pulse-range") {
		lo, hi, err := parseFloat64Range(procPulseRange, 0, math.MaxFloat64)
		if err != nil {
			return pc, fmt.Errorf("--pulse-range %q: %w", procPulseRange, err)
		}
		pc.thresholds.PulseMin, pc.thresholds.PulseMax = lo, hi
	}
	applyFlag(cmd, "analog-min", &pc.thresholds.AnalogMin, procAnalogMin)
	applyFlag(cmd, "outlier", &pc.thresholds.Outlier, procOutlier)

	if err := cfg.Regression.Apply(&pc.regression); err != nil {
		return pc, err
	}
	if cmd.Flags().Changed("mode") {
		m, err := regress.ParseMode(procMode)
		if err != nil {
			return pc, fmt.Errorf("--mode: %w", err)
		}
		pc.regression.Mode = m
	}
	if cmd.Flags().Changed("norm") {
		n, err := regress.ParseNorm(procNorm)
		if err != nil {
			return pc, fmt.Errorf("--norm: %w", err)
		}
		pc.regression.Norm = n
	}
	applyFlag(cmd, "whiten", &pc.regression.Whiten, procWhiten)
	applyFlag(cmd, "min-points", &pc.regression.MinPoints, procMinPoints)

	cfg.Spectrum.Apply(&pc.design)
	if cmd.Flags().Changed("order") {
		if procOrder < 0 || procOrder > spectrum.MaxOrder {
			return pc, fmt.Errorf("--order %d: %w", procOrder, spectrum.ErrOrder)
		}
		pc.design.A1.Order = procOrder
		pc.design.A2.Order = procOrder
		pc.design.Tau.Order = procOrder
	}
	return pc, nil
}

// parseTarget splits "U238:tau" into the label and its groups. Without a
// group both apply.
func parseTarget(s string) (string, []session.Group, error) {
	label, name, found := strings.Cut(s, ":")
	if label == "" {
		return "", nil, fmt.Errorf("%q: missing isotope label", s)
	}
	if !found {
		return label, []session.Group{session.ACF, session.Tau}, nil
	}
	g, err := session.ParseGroup(name)
	if err != nil {
		return "", nil, err
	}
	return label, []session.Group{g}, nil
}

func applyMasks(s *session.Session, targets []string, mask spectrum.Mask) error {
	for _, t := range targets {
		label, groups, err := parseTarget(t)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if err := s.SetMask(label, g, mask); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyOverrides handles "label:group=source".
func applyOverrides(s *session.Session, overrides []string) error {
	for _, o := range overrides {
		target, name, found := strings.Cut(o, "=")
		if !found {
			return fmt.Errorf("override %q: want <isotope>[:acf|tau]=<source>", o)
		}
		src, err := fit.ParseSource(name)
		if err != nil {
			return fmt.Errorf("override %q: %w", o, err)
		}
		label, groups, err := parseTarget(target)
		if err != nil {
			return fmt.Errorf("override %q: %w", o, err)
		}
		for _, g := range groups {
			if err := s.Override(label, g, src); err != nil {
				return err
			}
		}
	}
	return nil
}

// defaultOutput names the results after the sequence directory of the
// first scan file.
func defaultOutput(first string) string {
	dir := filepath.Dir(first)
	return filepath.Join(dir, sequenceName(first)+"-acf.json")
}

func sequenceName(first string) string {
	abs, err := filepath.Abs(first)
	if err != nil {
		abs = first
	}
	return filepath.Base(filepath.Dir(abs))
}

func runProcessCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pc, err := resolveProcessConfig(cmd, cfg)
	if err != nil {
		return err
	}
	log := logrus.StandardLogger()

	s := session.New(session.WithSettings(pc.settings), session.WithLogger(log))
	var importErrors int
	err = s.Import(ctx, args, pc.workers, func(p session.Progress) {
		entry := log.WithField("file", p.File)
		if p.Err != nil {
			importErrors++
			entry.WithError(p.Err).Warn("import failed")
			return
		}
		entry.Debugf("imported %d/%d", p.Done, p.Total)
	})
	if errors.Is(err, session.ErrNotImported) {
		return err
	}
	if err != nil {
		log.Warnf("%d of %d files not imported", importErrors, len(args))
	}

	if s.NeedsIsotopeIDs() {
		if len(procIsotopes) == 0 {
			log.Warn("isotope labels unknown, use --isotopes to name them")
		} else if err := s.RenameIsotopes(procIsotopes); err != nil {
			return err
		}
	}

	// Isotopes that fail keep NaN results and are logged by the session.
	err = s.FilterAndFit(pc.thresholds, pc.regression)
	if errors.Is(err, session.ErrStage) || errors.Is(err, session.ErrNotImported) {
		return err
	}

	ext, err := externalFits(ctx, pc)
	if err != nil {
		return err
	}
	if ext != nil {
		s.SetExternal(ext)
	}

	if err := applyMasks(s, procInclude, spectrum.Include); err != nil {
		return err
	}
	if err := applyMasks(s, procExclude, spectrum.Exclude); err != nil {
		return err
	}
	// A partial pooling is logged by the session.
	_, _ = s.PoolSpectrum(pc.design)

	if err := applyOverrides(s, procOverrides); err != nil {
		return err
	}
	if err := s.PostProcess(); err != nil {
		return err
	}
	debugLogIsotopes(cmd.ErrOrStderr(), s)
	debugListUnknownIsotopes(cmd.ErrOrStderr(), s)

	// With "-o -" stdout holds the JSON only.
	if !quiet && procOutput != "-" {
		out := cmd.OutOrStdout()
		color := report.UseColor(out)
		fmt.Fprintln(out, report.SummaryTable(s, color))
		fmt.Fprintln(out, report.FitTable(s, color))
	}

	if err := writeResults(cmd, s, args[0]); err != nil {
		return err
	}

	if procCommit {
		if err := commit(ctx, s, pc.storePath, args[0]); err != nil {
			return err
		}
	}

	if pc.metricsFile != "" {
		m := metrics.New()
		m.ImportErrors(importErrors)
		m.Observe(s)
		if err := m.WriteTextfile(pc.metricsFile); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

// externalFits merges the latest committed parameters, if requested, with
// those of the config file. Config values win.
func externalFits(ctx context.Context, pc processConfig) (map[string]fit.ExternalFit, error) {
	if !procUseStore {
		return pc.external, nil
	}
	st, err := store.Open(pc.storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("failed to close store")
		}
	}()
	ext, err := st.External(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read external fits: %w", err)
	}
	for label, e := range pc.external {
		ext[label] = e
	}
	logrus.WithField("store", pc.storePath).Debugf("%d external fits", len(ext))
	return ext, nil
}

func writeResults(cmd *cobra.Command, s *session.Session, first string) error {
	res := report.New(s, progVersion, procSeries)
	path := procOutput
	if path == "" {
		path = defaultOutput(first)
	}
	if path == "-" {
		return report.Write(cmd.OutOrStdout(), res)
	}
	if err := report.WriteFile(path, res); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	logrus.WithField("file", path).Info("results written")
	return nil
}

func commit(ctx context.Context, s *session.Session, path, first string) error {
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("failed to close store")
		}
	}()
	name := procRunName
	if name == "" {
		name = sequenceName(first)
	}
	run, recs := store.FromSession(s, name)
	id, err := st.Commit(ctx, run, recs)
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logrus.WithFields(logrus.Fields{"run": id, "name": name, "store": path}).Info("committed")
	return nil
}
