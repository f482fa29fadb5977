// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/houriganUCSC/ACFModeler/internal/config"
	"github.com/houriganUCSC/ACFModeler/internal/report"
	"github.com/houriganUCSC/ACFModeler/internal/session"
	"github.com/houriganUCSC/ACFModeler/internal/store"
	"github.com/houriganUCSC/ACFModeler/internal/synth"
)

var (
	inspectCycles string

	simOutDir  string
	simConfig  string
	simName    string
	simSamples int
	simCycles  int
	simNoise   float64
	simSeed    int64

	historyLimit int

	configEdit bool
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file.dat>",
		Short: "Show the decoded layout of a scan file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspectCmd,
	}
	cmd.Flags().StringVar(&inspectCycles, "cycles", "", "also print the cycles in `range`, e.g. 0:10")
	return cmd
}

func runInspectCmd(cmd *cobra.Command, args []string) error {
	d, err := session.DecodeSample(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	color := report.UseColor(out)

	sc := d.Scan
	fmt.Fprintf(out, "file:      %s\n", d.Path)
	fmt.Fprintf(out, "acquired:  %s\n", sc.Time.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "cycles:    %s\n", humanize.Comma(int64(sc.Cycles())))
	if sc.Paths.DAT0 != "" {
		fmt.Fprintf(out, "original:  %s\n", sc.Paths.DAT0)
	}
	if sc.Paths.MET != "" {
		fmt.Fprintf(out, "method:    %s\n", sc.Paths.MET)
	}
	if sc.Paths.TPF != "" {
		fmt.Fprintf(out, "tune:      %s\n", sc.Paths.TPF)
	}
	switch {
	case d.Metadata != nil:
		m := d.Metadata
		fmt.Fprintf(out, "setup:     %d runs x %d passes, dead time %g s\n", m.Runs, m.Passes, m.DeadTime)
	case d.MetadataErr != nil:
		fmt.Fprintf(out, "setup:     unusable: %v\n", d.MetadataErr)
	default:
		fmt.Fprintf(out, "setup:     none, isotopes are labeled by index\n")
	}
	fmt.Fprintln(out, report.InspectTable(d, color))

	if inspectCycles != "" {
		lo, hi, err := parseIntRange(inspectCycles, 0, math.MaxInt32)
		if err != nil {
			return fmt.Errorf("--cycles %q: %w", inspectCycles, err)
		}
		fmt.Fprintln(out, report.CycleTable(d, lo, hi, color))
	}
	return nil
}

func newSimulateCmd() *cobra.Command {
	def := synth.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "simulate -o <dir>",
		Short: "Write a synthetic session with known calibration parameters",
		Long: `Write scan and setup files of a synthetic session into <dir>/<name>.

The count rates follow the dead time and cross calibration model exactly,
apart from the requested noise. A simulation file (TOML or YAML) can
describe the isotopes and their true parameters; flags override it.`,
		Args: cobra.NoArgs,
		RunE: runSimulateCmd,
	}
	cmd.Flags().StringVarP(&simOutDir, "output", "o", "", "output `directory`")
	cmd.Flags().StringVar(&simConfig, "sim-config", "", "simulation `file`")
	cmd.Flags().StringVar(&simName, "name", def.Name, "sequence name")
	cmd.Flags().IntVar(&simSamples, "samples", def.Samples, "number of samples")
	cmd.Flags().IntVar(&simCycles, "cycles", def.Cycles, "cycles per sample")
	cmd.Flags().Float64Var(&simNoise, "noise", def.Noise, "relative noise on the inverse pulse rate")
	cmd.Flags().Int64Var(&simSeed, "seed", def.Seed, "random seed")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runSimulateCmd(cmd *cobra.Command, _ []string) error {
	c := synth.DefaultConfig()
	if simConfig != "" {
		var err error
		if c, err = config.LoadSimulation(simConfig); err != nil {
			return fmt.Errorf("failed to load simulation: %w", err)
		}
	}
	applyFlag(cmd, "name", &c.Name, simName)
	applyFlag(cmd, "samples", &c.Samples, simSamples)
	applyFlag(cmd, "cycles", &c.Cycles, simCycles)
	applyFlag(cmd, "noise", &c.Noise, simNoise)
	applyFlag(cmd, "seed", &c.Seed, simSeed)

	paths, err := synth.Write(simOutDir, c)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"dir":     filepath.Join(simOutDir, c.Name),
		"samples": len(paths),
		"cycles":  c.Cycles,
	}).Info("session written")
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [isotope]",
		Short: "List committed calibrations",
		Long: `List the committed parameters of an isotope, newest first. Without an
isotope the committed runs are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistoryCmd,
	}
	cmd.Flags().IntVar(&historyLimit, "last", 20, "limit to the last N commits, 0 lists all")
	return cmd
}

func runHistoryCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := resolveStorePath(cmd, cfg)
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("failed to close store")
		}
	}()

	out := cmd.OutOrStdout()
	color := report.UseColor(out)
	if len(args) == 0 {
		runs, err := st.Runs(cmd.Context())
		if err != nil {
			return err
		}
		if historyLimit > 0 && len(runs) > historyLimit {
			runs = runs[:historyLimit]
		}
		fmt.Fprintln(out, report.RunsTable(runs, color))
		return nil
	}
	recs, err := st.History(cmd.Context(), args[0], historyLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no commits for isotope %s in %s", args[0], path)
	}
	fmt.Fprintln(out, report.HistoryTable(recs, color))
	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create the config file",
		Long: `Create the config file named by --config with commented defaults, if it
does not exist yet, and print its path.`,
		Args: cobra.NoArgs,
		RunE: runConfigCmd,
	}
	cmd.Flags().BoolVar(&configEdit, "edit", false, "open the config file in $EDITOR")
	return cmd
}

func runConfigCmd(cmd *cobra.Command, _ []string) error {
	path := configPath
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		return fmt.Errorf("%s: the config template is TOML", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config: %w", err)
		}
		if err := os.WriteFile(path, []byte(config.Template()), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	if !configEdit {
		return nil
	}

	editor := strings.TrimSpace(os.Getenv("EDITOR"))
	if editor == "" {
		editor = "vi"
	}
	parts := strings.Fields(editor)
	c := exec.Command(parts[0], append(parts[1:], path)...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("failed to open editor: %w", err)
	}
	return nil
}
