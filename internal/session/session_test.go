package session

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/houriganUCSC/ACFModeler/internal/filter"
	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/regress"
	"github.com/houriganUCSC/ACFModeler/internal/spectrum"
	"github.com/houriganUCSC/ACFModeler/internal/synth"
	"github.com/houriganUCSC/ACFModeler/internal/thermo"
)

func quiet() Option {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return WithLogger(l)
}

func smallConfig() synth.Config {
	c := synth.DefaultConfig()
	c.Samples = 3
	c.Cycles = 20
	return c
}

func decoded(t *testing.T, c synth.Config) []*Decoded {
	t.Helper()
	scans, err := synth.Generate(c)
	require.NoError(t, err)
	meta := c.Metadata()
	var out []*Decoded
	for i, sc := range scans {
		out = append(out, &Decoded{
			Path:     filepath.Join("/data", c.Name, c.SampleName(i)+".dat"),
			Scan:     sc,
			Metadata: meta,
		})
	}
	return out
}

func requireAligned(t *testing.T, s *Session) {
	t.Helper()
	n := len(s.ScanTime)
	require.Len(t, s.SampleKeys, n)
	require.Len(t, s.ACF, n)
	require.Len(t, s.FCF, n)
	require.Len(t, s.EDAC, n)
	for _, m := range s.Masses {
		require.Len(t, m.Pulse, n, m.Label)
		require.Len(t, m.Analog, n, m.Label)
		require.Len(t, m.Faraday, n, m.Label)
	}
}

func TestMergeInvariants(t *testing.T) {
	c := smallConfig()
	s := New(quiet())
	var g errgroup.Group
	for _, d := range decoded(t, c) {
		d := d
		g.Go(func() error {
			_, err := s.Merge(d)
			return err
		})
	}
	require.NoError(t, g.Wait())
	requireAligned(t, s)
	assert.Equal(t, c.Samples*c.Cycles, s.Cycles())

	keys := map[int]bool{}
	for _, k := range s.SampleKeys {
		keys[k] = true
	}
	ids := map[int]bool{}
	for _, smp := range s.Samples {
		ids[smp.ID] = true
		assert.Equal(t, "SIM", smp.Group)
		assert.Equal(t, c.Cycles, len(s.SampleRows(smp.ID)))
	}
	assert.Len(t, keys, c.Samples)
	assert.Equal(t, ids, keys)

	require.NoError(t, s.Finalize())
	assert.True(t, sort.Float64sAreSorted(s.ScanTime))
	assert.Equal(t, float64(c.Start.Unix()), s.StartTime)
	assert.Equal(t, c.DeadTime, s.DeadTime)
	assert.Equal(t, Imported, s.Stage())
	assert.False(t, s.NeedsIsotopeIDs())
}

func TestRealignByTime(t *testing.T) {
	c := smallConfig()
	ds := decoded(t, c)
	s := New(quiet())
	for _, i := range []int{2, 0, 1} {
		_, err := s.Merge(ds[i])
		require.NoError(t, err)
	}
	m, ok := s.Mass("U238")
	require.True(t, ok)
	byTime := map[float64]float64{}
	key := map[float64]int{}
	for i, st := range s.ScanTime {
		byTime[st] = m.Analog[i][1]
		key[st] = s.SampleKeys[i]
	}

	require.NoError(t, s.Finalize())
	require.True(t, sort.Float64sAreSorted(s.ScanTime))
	requireAligned(t, s)
	for i, st := range s.ScanTime {
		assert.Equal(t, byTime[st], m.Analog[i][1])
		assert.Equal(t, key[st], s.SampleKeys[i])
	}
	// the first cycles belong to the first sample, merged second
	first, ok := s.Sample(s.SampleKeys[0])
	require.True(t, ok)
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, 1, first.ID)
}

func TestMergeMissingIsotope(t *testing.T) {
	c := smallConfig()
	ds := decoded(t, c)

	// The second sample lacks Pb207, the third has an extra isotope.
	ds[1].Scan.Isotopes = append(ds[1].Scan.Isotopes[:1:1], ds[1].Scan.Isotopes[2:]...)
	extra := ds[2].Scan.Isotopes[0]
	extra.Label = "Hg202"
	ds[2].Scan.Isotopes = append(ds[2].Scan.Isotopes, extra)

	s := New(quiet())
	for _, d := range ds {
		_, err := s.Merge(d)
		require.NoError(t, err)
	}
	requireAligned(t, s)
	require.Len(t, s.Masses, len(c.Isotopes)+1)

	pb, _ := s.Mass("Pb207")
	for _, i := range s.SampleRows(1) {
		assert.True(t, math.IsNaN(pb.Pulse[i][0]), "row %d", i)
	}
	for _, i := range s.SampleRows(0) {
		assert.False(t, math.IsNaN(pb.Analog[i][0]), "row %d", i)
	}
	hg, _ := s.Mass("Hg202")
	for _, i := range append(s.SampleRows(0), s.SampleRows(1)...) {
		assert.True(t, math.IsNaN(hg.Analog[i][2]), "row %d", i)
	}
	for _, i := range s.SampleRows(2) {
		assert.False(t, math.IsNaN(hg.Analog[i][2]), "row %d", i)
	}
}

func TestMergeLayoutMismatch(t *testing.T) {
	ds := decoded(t, smallConfig())
	s := New(quiet())
	_, err := s.Merge(ds[0])
	require.NoError(t, err)

	b := &ds[1].Scan.Isotopes[0]
	b.Channels = 2
	_, err = s.Merge(ds[1])
	require.ErrorIs(t, err, ErrLayout)
	requireAligned(t, s)
	assert.Len(t, s.Samples, 1)
}

func TestPlaceholderLabels(t *testing.T) {
	c := smallConfig()
	ds := decoded(t, c)
	for i := range ds[0].Scan.Isotopes {
		ds[0].Scan.Isotopes[i].Label = strconv.Itoa(i)
	}
	ds[0].Metadata = nil

	s := New(quiet())
	_, err := s.Merge(ds[0])
	require.NoError(t, err)
	assert.True(t, s.NeedsIsotopeIDs())
	_, ok := s.Mass("0")
	assert.True(t, ok)

	_, err = s.Merge(ds[1])
	require.NoError(t, err)
	assert.False(t, s.NeedsIsotopeIDs())
	assert.Len(t, s.Masses, len(c.Isotopes))
	u, ok := s.Mass("U238")
	require.True(t, ok)
	assert.False(t, math.IsNaN(u.Analog[0][0]))
	assert.Equal(t, "U238", s.Samples[0].Isotopes[4])
}

func TestRenameIsotopes(t *testing.T) {
	c := smallConfig()
	ds := decoded(t, c)[:1]
	for i := range ds[0].Scan.Isotopes {
		ds[0].Scan.Isotopes[i].Label = strconv.Itoa(i)
	}
	ds[0].Metadata = nil

	s := New(quiet())
	_, err := s.Merge(ds[0])
	require.NoError(t, err)
	require.NoError(t, s.Finalize())
	assert.Equal(t, 0.0, s.DeadTime)

	assert.Error(t, s.RenameIsotopes([]string{"a", "b"}))
	assert.Error(t, s.RenameIsotopes([]string{"a", "b", "c", "d", "a"}))
	require.NoError(t, s.RenameIsotopes([]string{"Pb206", "Pb207", "Pb208", "Th232", "U238"}))
	assert.False(t, s.NeedsIsotopeIDs())
	m, ok := s.Mass("Th232")
	require.True(t, ok)
	assert.Equal(t, s.Masses[3], m)
	assert.Equal(t, "Th232", s.Samples[0].Isotopes[3])
}

func TestTimeOffsets(t *testing.T) {
	c := smallConfig()
	s := New(quiet())
	for _, d := range decoded(t, c) {
		_, err := s.Merge(d)
		require.NoError(t, err)
	}
	require.NoError(t, s.Finalize())
	want := c.ChannelOffsets()
	for i, m := range s.Masses {
		got := m.ChannelTimes(0, s.Settings.ChannelSettle)
		assert.InDeltaSlice(t, want[i], got, 1e-12, m.Label)
	}
	assert.Equal(t, DefaultMassSettle, s.Masses[0].TimeOffset)
}

func TestStageErrors(t *testing.T) {
	s := New(quiet())
	assert.ErrorIs(t, s.FilterAndFit(filter.DefaultThresholds(), regress.DefaultConfig()), ErrNotImported)

	_, err := s.Merge(decoded(t, smallConfig())[0])
	require.NoError(t, err)
	assert.ErrorIs(t, s.FilterAndFit(filter.DefaultThresholds(), regress.DefaultConfig()), ErrStage)
	_, err = s.PoolSpectrum(spectrum.DefaultDesign())
	assert.ErrorIs(t, err, ErrStage)
}

func TestParseSampleName(t *testing.T) {
	tests := []struct {
		path, name, group string
		num               int
		ok                bool
	}{
		{"/data/SEQ1/Zircon_std_01.dat", "Zircon_std_01", "Zircon_std", 1, true},
		{"/data/SEQ1/91500-12.dat.gz", "91500-12", "91500", 12, true},
		{"blank.dat", "blank", "blank", 0, false},
		{"NIST_a.dat", "NIST_a", "NIST", 0, false},
	}
	for _, tt := range tests {
		name, group, num, ok := ParseSampleName(tt.path)
		assert.Equal(t, tt.name, name, tt.path)
		assert.Equal(t, tt.group, group, tt.path)
		assert.Equal(t, tt.num, num, tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
	}
}

func fittedSession(t *testing.T) (*Session, synth.Config) {
	t.Helper()
	c := synth.DefaultConfig()
	c.Noise = 1e-4
	s := New(quiet())
	for _, d := range decoded(t, c) {
		_, err := s.Merge(d)
		require.NoError(t, err)
	}
	require.NoError(t, s.Finalize())
	require.NoError(t, s.FilterAndFit(filter.DefaultThresholds(), regress.DefaultConfig()))
	for _, m := range s.Masses {
		require.NoError(t, s.SetMask(m.Label, ACF, spectrum.Include))
		require.NoError(t, s.SetMask(m.Label, Tau, spectrum.Include))
	}
	return s, c
}

func relErr(got, want float64) float64 {
	return math.Abs(got-want) / math.Abs(want)
}

func TestPipeline(t *testing.T) {
	s, c := fittedSession(t)
	assert.Equal(t, Fitted, s.Stage())

	for i, iso := range c.Isotopes {
		m := s.Masses[i]
		require.Equal(t, iso.Label, m.Label)
		require.Greater(t, m.NIn, regress.DefaultMinPoints, m.Label)
		assert.Greater(t, m.AnalogOnly, 0, m.Label)
		self := m.Fits.Self
		assert.Less(t, relErr(self.A1.Value, iso.A1), 1e-3, "%s a1", m.Label)
		assert.Less(t, relErr(self.A2.Value, iso.A2), 5e-2, "%s a2", m.Label)
		assert.Less(t, relErr(self.Tau.Value, iso.Tau), 1e-2, "%s tau", m.Label)
		assert.True(t, m.Fits.ACF.Available(fit.Self), m.Label)
		assert.True(t, m.Fits.Tau.Available(fit.Self), m.Label)
	}

	f, err := s.PoolSpectrum(spectrum.DefaultDesign())
	require.NoError(t, err)
	assert.Equal(t, Pooled, s.Stage())
	assert.Equal(t, len(c.Isotopes), f.A1.DFResid+2)
	for i, iso := range c.Isotopes {
		m := s.Masses[i]
		assert.Less(t, relErr(m.Fits.Internal.A1.Value, iso.A1), 1e-3, "%s pooled a1", m.Label)
		assert.True(t, m.Fits.ACF.Available(fit.Internal), m.Label)
	}

	require.NoError(t, s.PostProcess())
	assert.Equal(t, Modeled, s.Stage())
	for i, iso := range c.Isotopes {
		m := s.Masses[i]
		require.Len(t, m.Modeled, s.Cycles())
		assert.Nil(t, m.ModeledErr)
		for cyc := 0; cyc < s.Cycles(); cyc += 37 {
			times := m.ChannelTimes(s.ScanTime[cyc], s.Settings.ChannelSettle)
			var want float64
			for k, a := range m.Analog[cyc] {
				want += a / (iso.A1 + iso.A2*(times[k]-s.StartTime))
			}
			want /= float64(m.Channels)
			assert.Less(t, relErr(m.Modeled[cyc], want), 2e-3, "%s cycle %d", m.Label, cyc)
		}
	}
}

func TestPostProcessUncertainty(t *testing.T) {
	s, _ := fittedSession(t)
	s.Settings.IncludeUncertainty = true
	require.NoError(t, s.PostProcess())
	for _, m := range s.Masses {
		require.Len(t, m.ModeledErr, s.Cycles())
		var n int
		for c, e := range m.ModeledErr {
			if !math.IsNaN(e) {
				n++
				assert.Greater(t, e, 0.0)
				assert.Less(t, e, m.Modeled[c])
			}
		}
		assert.Greater(t, n, 0, m.Label)
	}
}

func TestOverrideExternal(t *testing.T) {
	s, _ := fittedSession(t)
	err := s.Override("U238", Tau, fit.External)
	assert.ErrorIs(t, err, fit.ErrSourceUnavailable)
	assert.ErrorIs(t, s.Override("Xx1", Tau, fit.Self), ErrUnknownIsotope)

	s.SetExternal(map[string]fit.ExternalFit{
		"U238": {Tau: fit.Param{Value: 2e-8, SE: 1e-10}, A1: fit.NaN(), A2: fit.NaN()},
	})
	require.NoError(t, s.Override("U238", Tau, fit.External))
	m, _ := s.Mass("U238")
	sel := m.Fits.Selected()
	assert.Equal(t, fit.External, sel.TauSource)
	assert.Equal(t, 2e-8, sel.Tau.Value)
	assert.NotEqual(t, fit.External, sel.ACFSource)

	require.NoError(t, s.SetMask("U238", ACF, spectrum.Exclude))
	_, err = s.PoolSpectrum(spectrum.DefaultDesign())
	require.NoError(t, err)
	assert.False(t, s.Spectrum.A1.Include[len(s.Masses)-1])
	assert.True(t, m.Fits.ACF.Available(fit.Internal))
}

func TestImportFiles(t *testing.T) {
	c := smallConfig()
	c.Cycles = 60
	dir := t.TempDir()
	paths, err := synth.Write(dir, c)
	require.NoError(t, err)
	bad := filepath.Join(dir, c.Name, "SIM_99.dat")
	require.NoError(t, os.WriteFile(bad, make([]byte, 100), 0o644))
	paths = append(paths, bad)

	var last Progress
	calls := 0
	s := New(quiet())
	err = s.Import(context.Background(), paths, 2, func(p Progress) {
		calls++
		last = p
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, thermo.ErrTruncatedRecord)
	assert.Equal(t, len(paths), calls)
	assert.Equal(t, len(paths), last.Done)

	assert.Len(t, s.Samples, c.Samples)
	assert.Equal(t, Imported, s.Stage())
	requireAligned(t, s)
	require.NotNil(t, s.Method)
	assert.Equal(t, c.Metadata().Isotopes, s.Method.Isotopes)
	var nums []int
	for _, smp := range s.Samples {
		nums = append(nums, smp.Number)
		assert.Equal(t, filepath.Join(dir, c.Name, c.Name+".seq"), smp.Paths.SEQ)
		assert.NotNil(t, smp.Metadata)
	}
	sort.Ints(nums)
	assert.Equal(t, []int{1, 2, 3}, nums)
	u, ok := s.Mass("U238")
	require.True(t, ok)
	assert.InDelta(t, 238.051, u.AveMass, 1e-2)
	assert.Len(t, u.TimeSeries, s.Cycles())

	err = New(quiet()).Import(context.Background(), []string{bad}, 1, nil)
	assert.True(t, errors.Is(err, ErrNotImported))
}
