package report

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/houriganUCSC/ACFModeler/internal/filter"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
	"github.com/houriganUCSC/ACFModeler/internal/session"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
	"github.com/houriganUCSC/ACFModeler/internal/synth"
	"github.com/houriganUCSC/ACFModeler/internal/thermo"
)

// JSONCompare decodes both documents and compares them with a relative
// float tolerance. null and NaN compare equal to themselves only.
func JSONCompare(t testing.TB, expected, actual io.Reader) {
	t.Helper()
	alwaysEqual := cmp.Comparer(func(_, _ interface{}) bool { return true })

	opts := cmp.Options{
		cmp.FilterValues(func(x, y float64) bool {
			return math.IsNaN(x) && math.IsNaN(y)
		}, alwaysEqual),
		cmp.FilterValues(func(x, y float64) bool {
			return !math.IsNaN(x) && !math.IsNaN(y)
		}, cmp.Comparer(func(x, y float64) bool {
			if x == y {
				return true
			}
			delta := math.Abs(x - y)
			mean := math.Abs(x+y) / 2.0
			return delta/mean < 0.00001
		})),
	}

	var in1, in2 map[string]any
	if err := json.NewDecoder(expected).Decode(&in1); err != nil {
		t.Fatalf("Error decoding expected JSON: %v", err)
	}
	if err := json.NewDecoder(actual).Decode(&in2); err != nil {
		t.Fatalf("Error decoding actual JSON: %v", err)
	}
	if diff := cmp.Diff(in1, in2, opts); diff != "" {
		t.Errorf("JSON mismatch (-want +got):\n%s", diff)
	}
}

func quietSession() *session.Session {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return session.New(session.WithLogger(l))
}

func TestSeriesJSON(t *testing.T) {
	nan := math.NaN()
	s := quietSession()
	_, err := s.Merge(&session.Decoded{
		Path: "/data/SEQ/blank_01.dat",
		Scan: &thermo.Scan{
			Time:    time.Unix(1000, 0),
			ACF:     []float64{1000, 1000, 1000},
			FCF:     []float64{5000, 5000, 5000},
			EDAC:    []float64{1000, 1000, 1000},
			RelTime: []float64{0, 0.5, 1},
			Isotopes: []thermo.IsotopeBlock{{
				Label:    "U238",
				Dwell:    0.01,
				Channels: 1,
				AveMass:  238.05,
				Pulse:    [][]float64{{1e5}, {nan}, {nan}},
				Analog:   [][]float64{{100}, {2e4}, {nan}},
			}},
		},
		Metadata: &thermo.Metadata{Isotopes: []string{"U238"}, DeadTime: 2e-9},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatal(err)
	}

	r := New(s, "test", true)
	got, err := json.Marshal(r.Series)
	if err != nil {
		t.Fatal(err)
	}
	want := `{
		"time": [1000, 1000.5, 1001],
		"sample": [0, 0, 0],
		"raw": {"U238": [100000, 20000000, null]}
	}`
	JSONCompare(t, strings.NewReader(want), bytes.NewReader(got))

	if r.Isotopes[0].NObs != 3 {
		t.Errorf("n_obs = %d, want 3", r.Isotopes[0].NObs)
	}
	if !r.Samples[0].Metadata || r.Samples[0].Group != "blank" {
		t.Errorf("sample = %+v", r.Samples[0])
	}
}

func fitted(t *testing.T) *session.Session {
	t.Helper()
	c := synth.DefaultConfig()
	scans, err := synth.Generate(c)
	if err != nil {
		t.Fatal(err)
	}
	s := quietSession()
	for i, sc := range scans {
		d := &session.Decoded{
			Path:     filepath.Join("/data", c.Name, c.SampleName(i)+".dat"),
			Scan:     sc,
			Metadata: c.Metadata(),
		}
		if _, err := s.Merge(d); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := s.FilterAndFit(filter.DefaultThresholds(), regress.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	for _, m := range s.Masses {
		m.ACFMask, m.TauMask = spectrum.Include, spectrum.Include
	}
	if _, err := s.PoolSpectrum(spectrum.DefaultDesign()); err != nil {
		t.Fatal(err)
	}
	if err := s.PostProcess(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResultsJSON(t *testing.T) {
	s := fitted(t)
	var buf bytes.Buffer
	if err := Write(&buf, New(s, "test", true)); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Stage    string `json:"stage"`
		Mode     string `json:"regression_mode"`
		Isotopes []struct {
			Label    string `json:"label"`
			External struct {
				Tau struct {
					Value *float64 `json:"value"`
				} `json:"tau"`
			} `json:"external"`
			TauSel struct {
				Authoritative string `json:"authoritative"`
			} `json:"tau_selection"`
		} `json:"isotopes"`
		Spectrum struct {
			A1 struct {
				Isotopes []struct {
					Included bool `json:"included"`
				} `json:"isotopes"`
			} `json:"A1"`
		} `json:"spectrum"`
		Series struct {
			Modeled map[string][]*float64 `json:"modeled"`
		} `json:"series"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Stage != "modeled" || doc.Mode != "weighted" {
		t.Errorf("stage %q mode %q", doc.Stage, doc.Mode)
	}
	if len(doc.Isotopes) != 5 {
		t.Fatalf("got %d isotopes, want 5", len(doc.Isotopes))
	}
	for _, iso := range doc.Isotopes {
		if iso.External.Tau.Value != nil {
			t.Errorf("%s: external tau %v, want null", iso.Label, *iso.External.Tau.Value)
		}
		if iso.TauSel.Authoritative == "" || iso.TauSel.Authoritative == "external" {
			t.Errorf("%s: tau source %q", iso.Label, iso.TauSel.Authoritative)
		}
	}
	if n := len(doc.Spectrum.A1.Isotopes); n != 5 {
		t.Errorf("a1 trend over %d isotopes, want 5", n)
	}
	if n := len(doc.Series.Modeled["U238"]); n != s.Cycles() {
		t.Errorf("%d modeled cycles, want %d", n, s.Cycles())
	}
}

func TestFitTable(t *testing.T) {
	s := fitted(t)
	out := FitTable(s, false)
	for _, want := range []string{"isotope", "Pb206", "U238", "cps"} {
		if !strings.Contains(out, want) {
			t.Errorf("table lacks %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines < len(s.Masses)+2 {
		t.Errorf("table has %d lines:\n%s", lines, out)
	}
	if !strings.Contains(SummaryTable(s, false), "modeled") {
		t.Error("summary lacks stage")
	}
}

func TestUseColor(t *testing.T) {
	if UseColor(&bytes.Buffer{}) {
		t.Error("buffer is not a terminal")
	}
}
