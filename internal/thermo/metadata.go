package thermo

import (
	"fmt"
	"time"
)

// Metadata is the subset of a setup (.inf) file needed to interpret scans.
type Metadata struct {
	Time     time.Time
	DeadTime float64 // detector dead time, seconds
	Runs     int
	Passes   int
	Masses   int
	Isotopes []string // isotope labels in acquisition order
}

// Cycles returns the number of cycles the method acquires.
func (m *Metadata) Cycles() int {
	return m.Runs * m.Passes
}

// Length of a mass ID record and the byte range holding the name.
const (
	massIDRecordLen = 40
	massIDNameStart = 10
)

// DecodeMetadataFile decodes the setup file at path.
func DecodeMetadataFile(path string) (*Metadata, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := DecodeMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

type directory map[uint8]uint64

func (d directory) lookup(id uint8) (ptr, length int, err error) {
	tok, ok := d[id]
	if !ok {
		return 0, 0, &MetadataParseError{Token: id}
	}
	return int(tokenPointer.get(tok)), int(tokenLength.get(tok)), nil
}

// DecodeMetadata decodes a setup file held in memory.
func DecodeMetadata(data []byte) (*Metadata, error) {
	r := wordReader(data)
	m := &Metadata{}

	secs, err := r.i32(infTimestampOffset)
	if err != nil {
		return nil, err
	}
	m.Time = time.Unix(int64(secs), 0)

	count, err := r.u8(infFieldsOffset)
	if err != nil {
		return nil, err
	}
	dir := directory{}
	for i := 0; i < int(count); i++ {
		tok, err := r.u64(infRegistryOffset + 8*i)
		if err != nil {
			return nil, err
		}
		// later entries replace earlier ones with the same id
		dir[uint8(tokenID.get(tok))] = tok
	}

	ptr, _, err := dir.lookup(TokenDeadTime)
	if err != nil {
		return nil, err
	}
	dt, err := r.i16(ptr)
	if err != nil {
		return nil, err
	}
	m.DeadTime = float64(dt) * 1e-9

	if ptr, _, err = dir.lookup(TokenRuns); err != nil {
		return nil, err
	}
	runs, err := r.i16(ptr)
	if err != nil {
		return nil, err
	}
	passes, err := r.i16(ptr + 2)
	if err != nil {
		return nil, err
	}
	m.Runs, m.Passes = int(runs), int(passes)

	if ptr, _, err = dir.lookup(TokenMasses); err != nil {
		return nil, err
	}
	masses, err := r.i16(ptr)
	if err != nil {
		return nil, err
	}
	m.Masses = int(masses)

	ptr, length, err := dir.lookup(TokenMassID)
	if err != nil {
		return nil, err
	}
	for j := 0; j < length/8; j++ {
		e, err := r.u64(ptr + 8*j)
		if err != nil {
			return nil, err
		}
		rec, err := r.slice(int(tokenPointer.get(e)), int(tokenLength.get(e)))
		if err != nil {
			return nil, fmt.Errorf("mass ID %d: %w", j, err)
		}
		var name string
		if len(rec) > massIDNameStart {
			end := min(len(rec), massIDRecordLen)
			if name, err = decodeString(rec[massIDNameStart:end]); err != nil {
				return nil, fmt.Errorf("mass ID %d: %w", j, err)
			}
		}
		m.Isotopes = append(m.Isotopes, name)
	}
	return m, nil
}
