// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/houriganUCSC/ACFModeler/internal/config"
)

// Program name and version
const progName = "acfmodeler"

var progVersion = `Unknown`

var ErrRangeSpec = errors.New("invalid range specified")

// Flags shared by all commands
var (
	configPath string
	storePath  string
	verbose    bool
	quiet      bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   progName,
		Short: "Dead time and analog cross calibration of ICP-MS sessions",
		Long: `Dead time and analog cross calibration of ICP-MS sessions.

Scan files (.dat) of one session are decoded and merged. For every isotope
the simultaneous pulse and analog readings are fitted to

    1/P' = tau + a1/A + a2*t/A

where P' is the pulse rate corrected for the machine dead time, A the
analog reading and t the time since the start of the session. Parameters
are pooled over the mass spectrum and the time series are modeled with
the authoritative parameters of each isotope.

ENVIRONMENT VARIABLES:
    When ACFMODELER_DEBUG=1, the filtered points and fit of every isotope
    are printed. A comma separated list of isotope labels restricts the
    output to those isotopes.`,
		Version:       progVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config `file`, TOML or YAML by extension")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "calibration store `file` (default "+config.DefaultStorePath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress of every file and isotope")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors, print no tables")

	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

func setupLogging(w io.Writer) error {
	if verbose && quiet {
		return errors.New("--verbose and --quiet are mutually exclusive")
	}
	logrus.SetOutput(w)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	switch {
	case debugEnabled():
		logrus.SetLevel(logrus.TraceLevel)
	case verbose:
		logrus.SetLevel(logrus.DebugLevel)
	case quiet:
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}

// loadConfig reads the config file named by --config.
func loadConfig() (config.File, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.File{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// resolveStorePath returns --store, else the config value, else the
// default location.
func resolveStorePath(cmd *cobra.Command, cfg config.File) string {
	path := config.DefaultStorePath()
	applyConfig(&path, cfg.Store)
	applyFlag(cmd, "store", &path, storePath)
	return path
}

// applyConfig overwrites dst with a value from the config file, if set.
func applyConfig[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// applyFlag overwrites dst with a flag value given on the command line.
func applyFlag[T any](cmd *cobra.Command, name string, dst *T, v T) {
	if cmd.Flags().Changed(name) {
		*dst = v
	}
}

var (
	intRangeRe   = regexp.MustCompile(`\s*(\-?\d*):(\-?\d*)`)
	floatRangeRe = regexp.MustCompile(`\s*([-+]?[0-9]*\.?[0-9]*([eE][-+]?[0-9]+)?):([-+]?[0-9]*\.?[0-9]*([eE][-+]?[0-9]+)?)`)
)

// Parse string like "-12:6" into 2 values, -12 and 6
// Parameters min and max are the "default" min/max values,
// when a value is not specified (e.g. "-12:"), the default is assigned
func parseIntRange(r string, min int, max int) (int, int, error) {
	m := intRangeRe.FindStringSubmatch(r)
	minOut := min
	maxOut := max
	if len(m) >= 2 && m[1] != "" {
		minOut, _ = strconv.Atoi(m[1])
		if minOut < min {
			minOut = min
		}
	}
	if len(m) >= 3 && m[2] != "" {
		maxOut, _ = strconv.Atoi(m[2])
		if maxOut > max {
			maxOut = max
		}
	}
	var err error
	if minOut > maxOut {
		err = ErrRangeSpec
		minOut = maxOut
	}
	return minOut, maxOut, err
}

// Parse string like "1e5:5.5e6" into 2 values, 100000 and 5500000
// Parameters min and max are the "default" min/max values,
// when a value is not specified (e.g. "1e5:"), the default is assigned
func parseFloat64Range(r string, min float64, max float64) (
	float64, float64, error) {
	m := floatRangeRe.FindStringSubmatch(r)
	minOut := min
	maxOut := max
	if len(m) >= 2 && m[1] != "" {
		minOut, _ = strconv.ParseFloat(m[1], 64)
		if minOut < min {
			minOut = min
		}
	}
	if len(m) >= 4 && m[3] != "" {
		maxOut, _ = strconv.ParseFloat(m[3], 64)
		if maxOut > max {
			maxOut = max
		}
	}
	var err error
	if minOut > maxOut {
		err = ErrRangeSpec
		minOut = maxOut
	}
	return minOut, maxOut, err
}
