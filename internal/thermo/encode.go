package thermo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrNoCycles is returned when encoding a scan without cycles.
var ErrNoCycles = errors.New("scan has no cycles")

// EncodeIntensity packs a count rate into an intensity item value. NaN and
// negative values are flagged. Values that need more than 16 mantissa bits
// lose their low bits.
func EncodeIntensity(v float64, det Detector) uint32 {
	w := itemKey.put(0, keyIntensity)
	w = itemDetector.put(w, uint64(det))
	if math.IsNaN(v) || v < 0 {
		return uint32(itemFlag.put(w, 1))
	}
	u := uint64(math.Round(v))
	var e uint64
	for u > 0xFFFF && e < 15 {
		u >>= 1
		e++
	}
	if u > 0xFFFF {
		u = 0xFFFF
	}
	w = itemExponent.put(w, e)
	return uint32(itemMantissa.put(w, u))
}

func item(key, data uint64) uint32 {
	return uint32(itemData.put(itemKey.put(0, key), data))
}

// schemaItem is one word of the schema with the intensity matrix it
// refers to, if any.
type schemaItem struct {
	word   uint32
	values [][]float64
	col    int
	det    Detector
}

func buildSchema(s *Scan) []schemaItem {
	var items []schemaItem
	edac0 := s.EDAC[0]
	for _, b := range s.Isotopes {
		items = append(items, schemaItem{word: item(keyDwell, uint64(math.Round(b.Dwell*1e6)))})
		n := max(len(b.MagMasses), columns(b.Pulse), columns(b.Analog), columns(b.Faraday))
		for c := 0; c < n; c++ {
			if c < len(b.MagMasses) {
				mag := b.MagMasses[c]
				items = append(items, schemaItem{word: item(keyMagnet, uint64(math.Round(mag*(1<<magnetDACBits))))})
				var bits uint64
				if c < len(b.ActMasses) && b.ActMasses[c] > 0 {
					bits = uint64(math.Round(mag * edac0 * 1000 / b.ActMasses[c]))
				}
				items = append(items, schemaItem{word: item(keyActual, bits)})
			}
			for _, m := range []struct {
				values [][]float64
				det    Detector
			}{{b.Pulse, Pulse}, {b.Analog, Analog}, {b.Faraday, Faraday}} {
				if c < columns(m.values) {
					items = append(items, schemaItem{values: m.values, col: c, det: m.det})
				}
			}
		}
		items = append(items, schemaItem{word: item(keyEndOfMass, 0)})
	}
	return append(items, schemaItem{word: item(keyEndOfScan, 0)})
}

func columns(m [][]float64) int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// EncodeScan writes s in the scan file layout read by DecodeScan.
func EncodeScan(w io.Writer, s *Scan) error {
	n := s.Cycles()
	if n == 0 {
		return ErrNoCycles
	}

	var paths []byte
	for i, p := range []string{s.Paths.DAT0, s.Paths.MET, s.Paths.TPF} {
		b, err := encodeString(p, 0)
		if err != nil {
			return err
		}
		paths = binary.LittleEndian.AppendUint32(paths, uint32(len(b)/2))
		paths = append(paths, b...)
		if i == 0 {
			paths = append(paths, make([]byte, 16)...)
		}
	}

	schema := buildSchema(s)
	words := wordSchema + len(schema)
	stride := 4 * words
	hdrPtr := align(pathBlockOffset+len(paths), 4)
	first := hdrPtr + 4 + 4*n
	buf := make([]byte, first+n*stride)
	le := binary.LittleEndian

	copy(buf[pathBlockOffset:], paths)
	le.PutUint32(buf[scanHeaderPtrOffset:], uint32(hdrPtr))
	le.PutUint32(buf[scanHeaderCountOffset:], uint32(n))
	le.PutUint32(buf[scanTimestampOffset:], uint32(s.Time.Unix()))
	le.PutUint32(buf[hdrPtr:], uint32(n))

	for i := 0; i < n; i++ {
		off := first + i*stride
		le.PutUint32(buf[hdrPtr+4+4*i:], uint32(off))
		rec := buf[off : off+stride]
		put := func(word int, v uint32) { le.PutUint32(rec[4*word:], v) }
		put(wordACF, uint32(math.Round(s.ACF[i]*acfDivisor)))
		put(wordFCF, uint32(s.FCF[i])<<fcfShift)
		put(wordEDAC, uint32(s.EDAC[i]))
		put(wordTimeBase, 0)
		if i < len(s.RelTime) {
			if s.RelTime[i] < 0 {
				return fmt.Errorf("cycle %d: negative time %g", i, s.RelTime[i])
			}
			put(wordTime, uint32(math.Round(s.RelTime[i]*1000)))
		}
		for j, it := range schema {
			v := it.word
			if it.values != nil {
				v = EncodeIntensity(it.values[i][it.col], it.det)
			}
			put(wordSchema+j, v)
		}
	}
	_, err := w.Write(buf)
	return err
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}

// EncodeMetadata writes m in the setup file layout read by DecodeMetadata.
func EncodeMetadata(w io.Writer, m *Metadata) error {
	const tokens = 4
	le := binary.LittleEndian
	data := align(infRegistryOffset+8*tokens, 8)

	var body []byte
	var dir []uint64
	add := func(id uint8, payload []byte) int {
		ptr := data + len(body)
		tok := tokenID.put(0, uint64(id))
		tok = tokenPointer.put(tok, uint64(ptr))
		tok = tokenLength.put(tok, uint64(len(payload)))
		dir = append(dir, tok)
		body = append(body, payload...)
		for len(body)%8 != 0 {
			body = append(body, 0)
		}
		return ptr
	}

	add(TokenDeadTime, le.AppendUint16(nil, uint16(int16(math.Round(m.DeadTime*1e9)))))
	add(TokenRuns, le.AppendUint16(le.AppendUint16(nil, uint16(int16(m.Runs))), uint16(int16(m.Passes))))
	add(TokenMasses, le.AppendUint16(nil, uint16(int16(m.Masses))))

	// Mass ID array followed by one name record per isotope
	arrayLen := 8 * len(m.Isotopes)
	arrayPtr := data + len(body)
	recordsPtr := arrayPtr + align(arrayLen, 8)
	array := make([]byte, 0, arrayLen)
	var records []byte
	for i, iso := range m.Isotopes {
		name, err := encodeString(iso, (massIDRecordLen-massIDNameStart)/2)
		if err != nil {
			return err
		}
		if len(name) > massIDRecordLen-massIDNameStart {
			return fmt.Errorf("isotope %d: label %q too long", i, iso)
		}
		rec := make([]byte, massIDRecordLen)
		copy(rec[massIDNameStart:], name)
		e := tokenPointer.put(0, uint64(recordsPtr+len(records)))
		e = tokenLength.put(e, massIDRecordLen)
		array = le.AppendUint64(array, e)
		records = append(records, rec...)
	}
	add(TokenMassID, array)
	body = append(body, records...)

	buf := make([]byte, data+len(body))
	le.PutUint32(buf[infTimestampOffset:], uint32(int32(m.Time.Unix())))
	buf[infFieldsOffset] = byte(len(dir))
	for i, tok := range dir {
		le.PutUint64(buf[infRegistryOffset+8*i:], tok)
	}
	copy(buf[data:], body)
	_, err := w.Write(buf)
	return err
}
