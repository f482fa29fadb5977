package session

import (
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/houriganUCSC/ACFModeler/internal/thermo"
)

// Paths are the files belonging to one sample.
type Paths struct {
	DAT  string // scan file as imported
	DAT0 string // scan file on the acquisition computer
	MET  string
	TPF  string
	INF  string // setup file
	SEQ  string // sequence file of the directory
}

// Sample is one imported scan file.
type Sample struct {
	ID       int // unique within the session, assigned at merge
	Name     string
	Group    string
	Number   int
	Paths    Paths
	Time     time.Time // acquisition start
	Cycles   int
	Isotopes []string

	// Metadata is the sample's own setup file, nil when it had none and
	// the session method was used instead.
	Metadata    *thermo.Metadata
	MetadataErr error
}

// The sample number follows the group name after a dash or underscore.
var sampleNameRe = regexp.MustCompile(`^(.+)[-_]([0-9A-Za-z]+)$`)

// ParseSampleName splits a scan file name into sample name, group and
// number. ok is false when the name carries no number.
func ParseSampleName(path string) (name, group string, num int, ok bool) {
	name = stem(filepath.Base(path))
	group = name
	m := sampleNameRe.FindStringSubmatch(name)
	if m == nil {
		return name, group, 0, false
	}
	group = m[1]
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return name, group, 0, false
	}
	return name, group, n, true
}

func stem(base string) string {
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// samplePaths derives the sibling files of a scan file.
func samplePaths(dat string) Paths {
	dir := filepath.Dir(dat)
	base := filepath.Join(dir, stem(filepath.Base(dat)))
	return Paths{
		DAT: dat,
		INF: base + ".inf",
		SEQ: filepath.Join(dir, filepath.Base(dir)+".seq"),
	}
}

// Decoded is a scan file decoded without reference to any session.
type Decoded struct {
	Path        string
	Scan        *thermo.Scan
	Metadata    *thermo.Metadata // nil when no usable setup file exists
	MetadataErr error            // why the setup file could not be used
}

// DecodeSample decodes the scan file at path and its setup file, if one
// exists next to it. A missing or unreadable setup file is not an error;
// isotopes are then labeled later from the session method.
func DecodeSample(path string) (*Decoded, error) {
	d := &Decoded{Path: path}
	inf := samplePaths(path).INF
	var labels []string
	for _, p := range []string{inf, inf + ".gz"} {
		m, err := thermo.DecodeMetadataFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			d.MetadataErr = err
			break
		}
		d.Metadata = m
		labels = m.Isotopes
		break
	}
	sc, err := thermo.DecodeScanFile(path, labels)
	if err != nil {
		return nil, err
	}
	d.Scan = sc
	return d, nil
}
