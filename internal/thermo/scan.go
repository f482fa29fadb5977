package thermo

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// FilePaths holds the file locations recorded inside a scan file.
type FilePaths struct {
	DAT0 string // location of the scan file on the acquisition computer
	MET  string // method file
	TPF  string // tune parameter file
}

// IsotopeBlock holds all channels of one isotope measured in every cycle.
type IsotopeBlock struct {
	Label     string
	Dwell     float64 // per channel, seconds
	Channels  int
	MagMasses []float64
	ActMasses []float64
	AveMass   float64
	TruncMass float64

	// Intensities in counts per second, indexed [cycle][channel].
	// Faraday is nil when the isotope has no Faraday readings.
	Pulse   [][]float64
	Analog  [][]float64
	Faraday [][]float64
}

// TotalDwell returns the time spent on the isotope in one cycle.
func (b *IsotopeBlock) TotalDwell() float64 {
	return float64(b.Channels) * b.Dwell
}

// Scan is the decoded content of one scan file.
type Scan struct {
	Time  time.Time
	Paths FilePaths

	// Per cycle values
	ACF     []float64
	FCF     []float64
	EDAC    []float64
	RelTime []float64 // seconds since the first cycle's reference

	Isotopes []IsotopeBlock
}

// Cycles returns the number of cycles (records) in the scan.
func (s *Scan) Cycles() int {
	return len(s.ACF)
}

// ScanTime returns the absolute time of every cycle in Unix seconds.
func (s *Scan) ScanTime() []float64 {
	t0 := float64(s.Time.Unix())
	st := make([]float64, len(s.RelTime))
	for i, rt := range s.RelTime {
		st[i] = t0 + rt
	}
	return st
}

// Isotope returns the block with the given label.
func (s *Scan) Isotope(label string) (*IsotopeBlock, bool) {
	for i := range s.Isotopes {
		if s.Isotopes[i].Label == label {
			return &s.Isotopes[i], true
		}
	}
	return nil, false
}

// ReadFile returns the content of a scan or setup file, inflating files
// that end in ".gz".
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return io.ReadAll(r)
}

// DecodeScanFile decodes the scan file at path. Isotope blocks are labeled
// from labels in schema order; blocks beyond the end of labels get their
// index as label.
func DecodeScanFile(path string, labels []string) (*Scan, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := DecodeScan(data, labels)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// DecodeScan decodes a scan file held in memory.
func DecodeScan(data []byte, labels []string) (*Scan, error) {
	r := wordReader(data)
	s := &Scan{}

	paths, err := readPaths(r)
	if err != nil {
		return nil, err
	}
	s.Paths = paths

	ts, err := r.u32(scanTimestampOffset)
	if err != nil {
		return nil, err
	}
	s.Time = time.Unix(int64(ts), 0)

	records, err := readRecords(r)
	if err != nil {
		return nil, err
	}

	n := len(records)
	s.ACF = make([]float64, n)
	s.FCF = make([]float64, n)
	s.EDAC = make([]float64, n)
	s.RelTime = make([]float64, n)
	base := float64(records[0][wordTimeBase])
	for i, rec := range records {
		s.ACF[i] = float64(rec[wordACF]) / acfDivisor
		s.FCF[i] = float64(rec[wordFCF] >> fcfShift)
		s.EDAC[i] = float64(rec[wordEDAC])
		s.RelTime[i] = (float64(rec[wordTime]) - base) / 1000
	}

	s.Isotopes = parseSchema(records, s.EDAC[0], labels)
	return s, nil
}

func readPaths(r wordReader) (FilePaths, error) {
	var p FilePaths
	dst := []*string{&p.DAT0, &p.MET, &p.TPF}
	gap := []int{16, 0, 0}
	off := pathBlockOffset
	for i, d := range dst {
		units, err := r.u32(off)
		if err != nil {
			return p, err
		}
		off += 4
		b, err := r.slice(off, 2*int(units))
		if err != nil {
			return p, err
		}
		if *d, err = decodeString(b); err != nil {
			return p, err
		}
		off += 2*int(units) + gap[i]
	}
	return p, nil
}

// readRecords reads the scan header and returns the words of every record.
func readRecords(r wordReader) ([][]uint32, error) {
	ptr, err := r.u32(scanHeaderPtrOffset)
	if err != nil {
		return nil, err
	}
	count, err := r.u32(scanHeaderCountOffset)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: no records", ErrMalformedScanHeader)
	}
	if int64(count)*4 > int64(len(r)) {
		return nil, fmt.Errorf("%w: %d records cannot fit in %d bytes",
			ErrMalformedScanHeader, count, len(r))
	}

	offsets := make([]int, count)
	for i := range offsets {
		v, err := r.u32(int(ptr) + 4 + 4*i)
		if err != nil {
			return nil, err
		}
		offsets[i] = int(v)
	}

	stride := len(r) - offsets[0]
	if len(offsets) > 1 {
		stride = offsets[1] - offsets[0]
	}
	stride -= stride % 4
	if stride <= 0 {
		return nil, fmt.Errorf("%w: record length %d", ErrMalformedScanHeader, stride)
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i]-offsets[i-1] < stride {
			return nil, fmt.Errorf("%w: offset %d of record %d not after record %d",
				ErrMalformedScanHeader, offsets[i], i, i-1)
		}
	}
	words := stride / 4
	if words <= wordSchema {
		return nil, fmt.Errorf("%w: record of %d words has no schema",
			ErrMalformedScanHeader, words)
	}

	records := make([][]uint32, count)
	for i, off := range offsets {
		if _, err := r.slice(off, stride); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec := make([]uint32, words)
		for j := range rec {
			rec[j], _ = r.u32(off + 4*j)
		}
		records[i] = rec
	}
	return records, nil
}

// Intensity decodes the value of an intensity item. Flagged items are NaN.
func Intensity(w uint32) float64 {
	x := uint64(w)
	if itemFlag.get(x) != 0 {
		return math.NaN()
	}
	return float64(itemMantissa.get(x) << itemExponent.get(x))
}

type blockBuilder struct {
	IsotopeBlock
	pulse, analog, faraday [][]float64 // columns
}

func (b *blockBuilder) build(label string) IsotopeBlock {
	blk := b.IsotopeBlock
	blk.Label = label
	if len(blk.ActMasses) > 0 {
		var sum float64
		for _, m := range blk.ActMasses {
			sum += m
		}
		blk.AveMass = sum / float64(len(blk.ActMasses))
		blk.TruncMass = math.Round(blk.AveMass/MassPrecision) * MassPrecision
	} else {
		blk.AveMass = math.NaN()
		blk.TruncMass = math.NaN()
	}
	blk.Pulse = transpose(b.pulse)
	blk.Analog = transpose(b.analog)
	blk.Faraday = transpose(b.faraday)
	return blk
}

func transpose(cols [][]float64) [][]float64 {
	if len(cols) == 0 {
		return nil
	}
	rows := make([][]float64, len(cols[0]))
	for i := range rows {
		rows[i] = make([]float64, len(cols))
		for j, c := range cols {
			rows[i][j] = c[i]
		}
	}
	return rows
}

// parseSchema walks the item words of the first record and collects the
// matching intensity columns from every record.
func parseSchema(records [][]uint32, edac0 float64, labels []string) []IsotopeBlock {
	var blocks []IsotopeBlock
	var cur blockBuilder
	first := records[0]
	for idx := wordSchema; idx < len(first); idx++ {
		w := uint64(first[idx])
		data := itemData.get(w)
		switch itemKey.get(w) {
		case keyDwell:
			cur.Dwell = float64(data) / 1e6
		case keyMagnet:
			cur.MagMasses = append(cur.MagMasses, float64(data)/(1<<magnetDACBits))
		case keyActual:
			act := math.NaN()
			if n := len(cur.MagMasses); n > 0 && data != 0 {
				act = cur.MagMasses[n-1] * edac0 * 1000 / float64(data)
			}
			cur.ActMasses = append(cur.ActMasses, act)
			cur.Channels++
		case keyIntensity:
			col := make([]float64, len(records))
			for i, rec := range records {
				col[i] = Intensity(rec[idx])
			}
			switch Detector(itemDetector.get(w)) {
			case Pulse:
				cur.pulse = append(cur.pulse, col)
			case Analog:
				cur.analog = append(cur.analog, col)
			case Faraday:
				cur.faraday = append(cur.faraday, col)
			}
		case keyEndOfMass:
			label := strconv.Itoa(len(blocks))
			if len(blocks) < len(labels) && labels[len(blocks)] != "" {
				label = labels[len(blocks)]
			}
			blocks = append(blocks, cur.build(label))
			cur = blockBuilder{}
		case keyEndOfScan:
			return blocks
		}
	}
	return blocks
}
