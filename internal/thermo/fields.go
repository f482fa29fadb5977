// Package thermo decodes the binary scan (.dat) and setup (.inf) files
// written by Thermo Element XR sector field ICP-MS instruments.
package thermo

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned while decoding
var (
	ErrMalformedScanHeader = errors.New("malformed scan header")
	ErrTruncatedRecord     = errors.New("truncated record")
	ErrMissingToken        = errors.New("missing metadata token")
)

// MetadataParseError reports a required token that was not found in the
// directory of a setup file.
type MetadataParseError struct {
	Token uint8
}

func (e *MetadataParseError) Error() string {
	return fmt.Sprintf("metadata token 0x%02X not found", e.Token)
}

func (e *MetadataParseError) Unwrap() error {
	return ErrMissingToken
}

// bitField names a masked sub-field of a little-endian word.
type bitField struct {
	name  string
	mask  uint64
	shift uint
}

func (f bitField) get(w uint64) uint64 {
	return (w & f.mask) >> f.shift
}

func (f bitField) put(w, v uint64) uint64 {
	return (w &^ f.mask) | ((v << f.shift) & f.mask)
}

// Scan item word layout
var (
	itemKey      = bitField{"key", 0xF0000000, 28}
	itemData     = bitField{"data", 0x0FFFFFFF, 0}
	itemFlag     = bitField{"flag", 0x0F000000, 24}
	itemDetector = bitField{"detector", 0x00F00000, 20}
	itemExponent = bitField{"exponent", 0x000F0000, 16}
	itemMantissa = bitField{"mantissa", 0x0000FFFF, 0}
)

// Scan item keys (value of the itemKey field)
const (
	keyIntensity = 0x1
	keyMagnet    = 0x2
	keyDwell     = 0x3
	keyActual    = 0x4
	keyEndOfMass = 0x8
	keyEndOfScan = 0xF
)

// Detector identifies which detector mode produced an intensity.
type Detector uint8

// Values of the itemDetector field
const (
	Analog  Detector = 0x0
	Pulse   Detector = 0x1
	Faraday Detector = 0x8
)

func (d Detector) String() string {
	switch d {
	case Pulse:
		return "pulse"
	case Analog:
		return "analog"
	case Faraday:
		return "faraday"
	}
	return ""
}

// Setup file directory token layout
var (
	tokenType    = bitField{"type", 0x00000000000000FF, 0}
	tokenPointer = bitField{"pointer", 0x00000000FFFFFF00, 8}
	tokenID      = bitField{"id", 0x000000FF00000000, 32}
	tokenFlag    = bitField{"flag", 0x00000F0000000000, 40}
	tokenLength  = bitField{"length", 0xFFFFF00000000000, 44}
)

// Token ids in the setup file directory
const (
	TokenDeadTime uint8 = 0xB8
	TokenRuns     uint8 = 0x99
	TokenMasses   uint8 = 0x98
	TokenMassID   uint8 = 0xC2
)

// Fixed offsets
const (
	scanHeaderPtrOffset   = 0x94
	scanHeaderCountOffset = 0xAC
	scanTimestampOffset   = 0xB0
	pathBlockOffset       = 356

	infTimestampOffset = 0x84
	infFieldsOffset    = 0x108
	infRegistryOffset  = 0x114
)

// Record word positions
const (
	wordACF       = 12
	wordTimeBase  = 18
	wordTime      = 19
	wordEDAC      = 31
	wordFCF       = 34
	wordSchema    = 46
	acfDivisor    = 64
	fcfShift      = 8
	magnetDACBits = 18

	// MassPrecision is the step truncated masses are rounded to (amu)
	MassPrecision = 0.5
)

// wordReader gives bounds-checked little-endian access to a byte slice.
type wordReader []byte

func (r wordReader) need(off, n int) error {
	if off < 0 || n < 0 || off+n > len(r) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncatedRecord, n, off, len(r))
	}
	return nil
}

func (r wordReader) u8(off int) (uint8, error) {
	if err := r.need(off, 1); err != nil {
		return 0, err
	}
	return r[off], nil
}

func (r wordReader) i16(off int) (int16, error) {
	if err := r.need(off, 2); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(r[off:])), nil
}

func (r wordReader) u32(off int) (uint32, error) {
	if err := r.need(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r[off:]), nil
}

func (r wordReader) i32(off int) (int32, error) {
	v, err := r.u32(off)
	return int32(v), err
}

func (r wordReader) u64(off int) (uint64, error) {
	if err := r.need(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r[off:]), nil
}

func (r wordReader) slice(off, n int) ([]byte, error) {
	if err := r.need(off, n); err != nil {
		return nil, err
	}
	return r[off : off+n], nil
}
