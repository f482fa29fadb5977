package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Merge adds a decoded file to the session. It is safe to call from
// several goroutines; files may be merged in any order. The session must
// be finalized again before the pipeline runs.
func (s *Session) Merge(d *Decoded) (*Sample, error) {
	sc := d.Scan
	n := sc.Cycles()
	if n == 0 {
		return nil, fmt.Errorf("%s: no cycles", d.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The file's own setup file wins; the session method labels files that
	// have none.
	meta := d.Metadata
	if meta == nil {
		meta = s.Method
	}
	labels := make([]string, len(sc.Isotopes))
	placeholder := make([]bool, len(sc.Isotopes))
	for i, b := range sc.Isotopes {
		labels[i] = b.Label
		if d.Metadata == nil {
			placeholder[i] = true
			if meta != nil && i < len(meta.Isotopes) && meta.Isotopes[i] != "" {
				labels[i] = meta.Isotopes[i]
				placeholder[i] = false
			}
		}
	}
	for i, b := range sc.Isotopes {
		if j, ok := s.massIndex[labels[i]]; ok && s.Masses[j].Channels != b.Channels {
			return nil, fmt.Errorf("%s: %w: %s has %d channels, session %d",
				d.Path, ErrLayout, labels[i], b.Channels, s.Masses[j].Channels)
		}
	}

	if s.Method == nil && d.Metadata != nil {
		s.Method = d.Metadata
		s.renamePlaceholders(d.Metadata.Isotopes)
	}

	name, group, num, ok := ParseSampleName(d.Path)
	smp := &Sample{
		ID:          s.nextID,
		Name:        name,
		Group:       group,
		Number:      num,
		Paths:       samplePaths(d.Path),
		Time:        sc.Time,
		Cycles:      n,
		Isotopes:    labels,
		Metadata:    d.Metadata,
		MetadataErr: d.MetadataErr,
	}
	if !ok {
		smp.Number = smp.ID
	}
	smp.Paths.DAT0, smp.Paths.MET, smp.Paths.TPF = sc.Paths.DAT0, sc.Paths.MET, sc.Paths.TPF
	s.nextID++

	prev := len(s.ScanTime)
	s.ScanTime = append(s.ScanTime, sc.ScanTime()...)
	for i := 0; i < n; i++ {
		s.SampleKeys = append(s.SampleKeys, smp.ID)
	}
	s.ACF = append(s.ACF, sc.ACF...)
	s.FCF = append(s.FCF, sc.FCF...)
	s.EDAC = append(s.EDAC, sc.EDAC...)

	seen := make(map[string]bool, len(labels))
	for i := range sc.Isotopes {
		b := &sc.Isotopes[i]
		j, ok := s.massIndex[labels[i]]
		if !ok {
			m := newMass(b, placeholder[i])
			m.Label = labels[i]
			m.pad(prev)
			j = len(s.Masses)
			s.Masses = append(s.Masses, m)
			s.massIndex[m.Label] = j
		}
		if !seen[labels[i]] {
			s.Masses[j].appendBlock(b, n)
			seen[labels[i]] = true
		}
	}
	for _, m := range s.Masses {
		if !seen[m.Label] {
			m.pad(n)
		}
	}

	s.Samples = append(s.Samples, smp)
	s.stage = Empty

	log := s.log.WithFields(logrus.Fields{"file": d.Path, "sample": smp.ID})
	if d.MetadataErr != nil {
		log.WithError(d.MetadataErr).Warn("setup file unusable")
	}
	if meta == nil {
		log.Warn("no setup file, isotopes need manual identification")
	}
	log.WithField("cycles", n).Debug("merged")
	return smp, nil
}

// renamePlaceholders labels masses that were named by acquisition index.
func (s *Session) renamePlaceholders(labels []string) {
	for _, m := range s.Masses {
		if !m.Placeholder {
			continue
		}
		i, err := strconv.Atoi(m.Label)
		if err != nil || i < 0 || i >= len(labels) || labels[i] == "" {
			continue
		}
		if _, taken := s.massIndex[labels[i]]; taken {
			continue
		}
		delete(s.massIndex, m.Label)
		m.Label = labels[i]
		m.Placeholder = false
		s.massIndex[m.Label] = s.indexOf(m)
	}
	for _, smp := range s.Samples {
		for i, l := range smp.Isotopes {
			if j, err := strconv.Atoi(l); err == nil && j == i && j < len(labels) {
				if _, ok := s.massIndex[labels[j]]; ok {
					smp.Isotopes[i] = labels[j]
				}
			}
		}
	}
}

func (s *Session) indexOf(m *Mass) int {
	for i, x := range s.Masses {
		if x == m {
			return i
		}
	}
	return -1
}

// RenameIsotopes assigns labels to the masses in acquisition order.
func (s *Session) RenameIsotopes(labels []string) error {
	if len(labels) != len(s.Masses) {
		return fmt.Errorf("%d labels for %d isotopes", len(labels), len(s.Masses))
	}
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		if l == "" {
			return fmt.Errorf("isotope %d: empty label", i)
		}
		if _, dup := index[l]; dup {
			return fmt.Errorf("duplicate isotope label %q", l)
		}
		index[l] = i
	}
	rename := make(map[string]string, len(labels))
	for i, m := range s.Masses {
		rename[m.Label] = labels[i]
		m.Label = labels[i]
		m.Placeholder = false
	}
	for _, smp := range s.Samples {
		for i, l := range smp.Isotopes {
			if nl, ok := rename[l]; ok {
				smp.Isotopes[i] = nl
			}
		}
	}
	s.massIndex = index
	return nil
}

// Progress reports one imported file.
type Progress struct {
	Done  int
	Total int
	File  string
	Err   error
}

// Import decodes the files with up to workers goroutines, merges them and
// finalizes the session. A file that fails does not stop the others; all
// failures are returned joined. Cancelling ctx skips files not yet
// started.
func (s *Session) Import(ctx context.Context, paths []string, workers int, progress func(Progress)) error {
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	var (
		mu   sync.Mutex
		done int
		errs []error
	)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				var d *Decoded
				if d, err = DecodeSample(path); err == nil {
					_, err = s.Merge(d)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
			if progress != nil {
				progress(Progress{Done: done, Total: len(paths), File: path, Err: err})
			}
			return nil
		})
	}
	g.Wait()

	if len(s.Samples) == 0 {
		return errors.Join(append([]error{ErrNotImported}, errs...)...)
	}
	if err := s.Finalize(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Finalize orders all cycles by time and derives the session wide values:
// start time, time offsets of the isotopes, machine dead time and the
// drift of the machine ACF. Raw time series are recomputed.
func (s *Session) Finalize() error {
	if len(s.Samples) == 0 {
		return ErrNotImported
	}
	s.realign()

	s.StartTime = math.Inf(1)
	for _, smp := range s.Samples {
		s.StartTime = math.Min(s.StartTime, float64(smp.Time.Unix()))
	}
	if len(s.ScanTime) > 0 {
		s.StartTime = math.Min(s.StartTime, s.ScanTime[0])
	}

	s.timeOffsets()
	s.updateDeadTime()
	s.machineDrift()
	for _, m := range s.Masses {
		m.calculateTimeSeries(s)
	}
	s.stage = Imported
	return nil
}

// realign sorts the cycles by scan time, keeping the import order of
// equal times.
func (s *Session) realign() {
	perm := make([]int, len(s.ScanTime))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		return s.ScanTime[perm[a]] < s.ScanTime[perm[b]]
	})
	sorted := true
	for i, j := range perm {
		if i != j {
			sorted = false
			break
		}
	}
	if sorted {
		return
	}
	s.ScanTime = permuted(s.ScanTime, perm)
	s.ACF = permuted(s.ACF, perm)
	s.FCF = permuted(s.FCF, perm)
	s.EDAC = permuted(s.EDAC, perm)
	keys := make([]int, len(perm))
	for i, j := range perm {
		keys[i] = s.SampleKeys[j]
	}
	s.SampleKeys = keys
	for _, m := range s.Masses {
		m.permute(perm)
	}
}

func permuted(x []float64, perm []int) []float64 {
	out := make([]float64, len(perm))
	for i, j := range perm {
		out[i] = x[j]
	}
	return out
}

// timeOffsets places the isotopes on one clock within a cycle: every
// isotope starts after the mass settle time, every channel takes its dwell
// and the channel settle time.
func (s *Session) timeOffsets() {
	var delta float64
	for _, m := range s.Masses {
		m.TimeOffset = delta + s.Settings.MassSettle
		m.NObs = len(m.Pulse) * m.Channels
		delta += s.Settings.MassSettle + float64(m.Channels)*(m.Dwell+s.Settings.ChannelSettle)
	}
}

func (s *Session) updateDeadTime() {
	s.DeadTime = 0
	if s.Method != nil {
		s.DeadTime = s.Method.DeadTime
		return
	}
	s.log.Warn("no setup file, pulse rates assumed uncorrected for dead time")
}

// machineDrift fits the machine ACF recorded in the scans against time.
func (s *Session) machineDrift() {
	n := len(s.ACF)
	if n < 2 {
		s.MachineACF0, s.MachineDrift = math.NaN(), math.NaN()
		return
	}
	t := make([]float64, n)
	var tMax float64
	for i, st := range s.ScanTime {
		t[i] = st - s.StartTime
		tMax = math.Max(tMax, t[i])
	}
	alpha, beta := stat.LinearRegression(t, s.ACF, nil, false)
	s.MachineACF0 = alpha
	s.MachineDrift = (alpha+beta*tMax)/alpha - 1
}
