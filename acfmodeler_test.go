package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/houriganUCSC/ACFModeler/internal/config"
	"github.com/houriganUCSC/ACFModeler/internal/session"
)

func TestParseFloat64Range(t *testing.T) {
	tests := []struct {
		name     string
		r        string
		min, max float64
		wantMin  float64
		wantMax  float64
		wantErr  error
	}{
		{"both", "0.5:1.5", 0, 2, 0.5, 1.5, nil},
		{"empty", "", 0, 2, 0, 2, nil},
		{"reversed", "2.5:1.5", 0, 2, 1.5, 1.5, ErrRangeSpec},
		{"only max", ":1.5", 0, 2, 0, 1.5, nil},
		{"only min", "0.5:", 0, 2, 0.5, 2, nil},
		{"colon", ":", 0, 2, 0, 2, nil},
		{"exponents", "1e5:5.5e+06", 0, math.MaxFloat64, 1e5, 5.5e6, nil},
		{"clamped", "-2.0:2.0", -1, 1, -1, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, err := parseFloat64Range(tt.r, tt.min, tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error %v, want %v", err, tt.wantErr)
			}
			if lo != tt.wantMin || hi != tt.wantMax {
				t.Errorf("got %g:%g, want %g:%g", lo, hi, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestParseIntRange(t *testing.T) {
	lo, hi, err := parseIntRange("3:6", 0, 100)
	if err != nil || lo != 3 || hi != 6 {
		t.Errorf("got %d:%d %v, want 3:6", lo, hi, err)
	}
	lo, hi, err = parseIntRange("-5:", 0, 100)
	if err != nil || lo != 0 || hi != 100 {
		t.Errorf("got %d:%d %v, want 0:100", lo, hi, err)
	}
	if _, _, err = parseIntRange("9:2", 0, 100); !errors.Is(err, ErrRangeSpec) {
		t.Errorf("error %v, want %v", err, ErrRangeSpec)
	}
}

func TestParseDebugEnv(t *testing.T) {
	if parseDebugEnv("") != nil || parseDebugEnv("0") != nil {
		t.Error("debug output enabled without request")
	}
	if got := parseDebugEnv("1"); got == nil || len(got) != 0 {
		t.Errorf("1 selects %v, want every isotope", got)
	}
	want := map[string]bool{"U238": true, "Pb206": true}
	if diff := cmp.Diff(want, parseDebugEnv(" U238, Pb206,")); diff != "" {
		t.Errorf("labels (-want +got):\n%s", diff)
	}
}

func TestParseTarget(t *testing.T) {
	label, groups, err := parseTarget("U238:tau")
	if err != nil {
		t.Fatal(err)
	}
	if label != "U238" || !cmp.Equal(groups, []session.Group{session.Tau}) {
		t.Errorf("got %s %v", label, groups)
	}
	_, groups, err = parseTarget("Pb206")
	if err != nil || len(groups) != 2 {
		t.Errorf("bare label: %v %v", groups, err)
	}
	for _, bad := range []string{":tau", "U238:a3"} {
		if _, _, err := parseTarget(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
	s := session.New()
	for _, bad := range []string{"U238", "U238:tau=elsewhere"} {
		if err := applyOverrides(s, []string{bad}); err == nil {
			t.Errorf("override %q accepted", bad)
		}
	}
}

func TestResolveProcessConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(`
workers = 3
store = "/tmp/from-config.db"

[filter]
analog-min = 500
outlier = 2

[regression]
mode = "robust"

[external.U238]
tau = 1.8e-8
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	cmd := newProcessCmd()
	if err := cmd.ParseFlags([]string{"--outlier", "4", "--pulse-range", "1e5:4e6", "--order", "2"}); err != nil {
		t.Fatal(err)
	}
	pc, err := resolveProcessConfig(cmd, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pc.workers != 3 || pc.storePath != "/tmp/from-config.db" {
		t.Errorf("workers %d store %s", pc.workers, pc.storePath)
	}
	th := pc.thresholds
	if th.AnalogMin != 500 || th.Outlier != 4 || th.PulseMin != 1e5 || th.PulseMax != 4e6 {
		t.Errorf("thresholds %+v", th)
	}
	if pc.regression.Mode.String() != "robust" {
		t.Errorf("mode %s", pc.regression.Mode)
	}
	if pc.design.A1.Order != 2 || pc.design.Tau.Order != 2 {
		t.Errorf("design %+v", pc.design)
	}
	if pc.external["U238"].Tau.Value != 1.8e-8 || !math.IsNaN(pc.external["U238"].A1.Value) {
		t.Errorf("external %+v", pc.external["U238"])
	}

	cmd = newProcessCmd()
	if err := cmd.ParseFlags([]string{"--order", "7"}); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveProcessConfig(cmd, config.File{}); err == nil {
		t.Error("order 7 accepted")
	}
}

// run executes the CLI and returns what it printed on stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if err := root.Execute(); err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestCLI(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "none.toml")
	db := filepath.Join(dir, "cal.db")

	out := run(t, "simulate", "-q", "--config", cfg, "-o", dir, "--samples", "3", "--cycles", "200")
	paths := strings.Fields(out)
	if len(paths) != 3 {
		t.Fatalf("simulate wrote %v", paths)
	}

	out = run(t, "inspect", "--config", cfg, "--cycles", "0:2", paths[0])
	for _, want := range []string{"cycles:", "U238", "dead time"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect lacks %q:\n%s", want, out)
		}
	}

	results := filepath.Join(dir, "results.json")
	prom := filepath.Join(dir, "acf.prom")
	args := append([]string{"process", "-q", "--config", cfg, "--store", db,
		"-o", results, "--metrics-file", prom, "--commit", "--series",
		"--include", "Pb206,Pb207,Pb208,Th232,U238", "--override", "U238:tau=self"}, paths...)
	run(t, args...)

	f, err := os.Open(results)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var doc struct {
		Stage    string `json:"stage"`
		Samples  []any  `json:"samples"`
		Isotopes []struct {
			Label  string `json:"label"`
			TauSel struct {
				Authoritative string `json:"authoritative"`
			} `json:"tau_selection"`
		} `json:"isotopes"`
		Series struct {
			Time []*float64 `json:"time"`
		} `json:"series"`
	}
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Stage != "modeled" || len(doc.Samples) != 3 {
		t.Errorf("stage %q with %d samples", doc.Stage, len(doc.Samples))
	}
	var labels []string
	for _, iso := range doc.Isotopes {
		labels = append(labels, iso.Label)
		if iso.Label == "U238" && iso.TauSel.Authoritative != "self" {
			t.Errorf("U238 tau source %q, want self", iso.TauSel.Authoritative)
		}
	}
	if diff := cmp.Diff([]string{"Pb206", "Pb207", "Pb208", "Th232", "U238"}, labels); diff != "" {
		t.Errorf("isotopes (-want +got):\n%s", diff)
	}
	if len(doc.Series.Time) != 600 {
		t.Errorf("%d cycles in series, want 600", len(doc.Series.Time))
	}

	metrics, err := os.ReadFile(prom)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(metrics), "acfmodeler_samples 3") {
		t.Errorf("metrics lack sample count:\n%s", metrics)
	}

	out = run(t, "history", "--config", cfg, "--store", db, "U238")
	if !strings.Contains(out, "self") {
		t.Errorf("history lacks the tau source:\n%s", out)
	}
	out = run(t, "history", "--config", cfg, "--store", db)
	if !strings.Contains(out, "SIM") {
		t.Errorf("runs lack the sequence name:\n%s", out)
	}
}

func TestConfigCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acfmodeler", "config.toml")
	out := run(t, "config", "--config", path)
	if strings.TrimSpace(out) != path {
		t.Errorf("printed %q, want %q", out, path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(config.File{}, cfg); diff != "" {
		t.Errorf("template sets values (-want +got):\n%s", diff)
	}
}
