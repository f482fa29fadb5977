package fit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Source names where a parameter estimate comes from.
type Source int

// Sources
const (
	Self     Source = iota // the isotope's own regression
	Internal               // the spectrum wide trend of the session
	External               // supplied from outside the session
	numSources
)

var sourceNames = [numSources]string{"self", "internal", "external"}

func (s Source) String() string {
	if s < 0 || s >= numSources {
		return fmt.Sprintf("Source(%d)", int(s))
	}
	return sourceNames[s]
}

// ParseSource converts a name as returned by String to a Source.
func ParseSource(name string) (Source, error) {
	for i, n := range sourceNames {
		if strings.EqualFold(n, name) {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("unknown source %q", name)
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ErrSourceUnavailable is returned when selecting a source that has no
// usable estimate.
var ErrSourceUnavailable = errors.New("source unavailable")

// Selection decides which source is authoritative for a parameter group.
// The recommendation is derived from fit quality; an operator override
// is kept separately and wins while its source stays available.
type Selection struct {
	recommended Source
	override    Source
	overridden  bool
	available   [numSources]bool
}

// NewSelection returns a selection recommending Internal.
func NewSelection() Selection {
	return Selection{recommended: Internal}
}

// Recommend sets the recommendation: Self when the isotope's own fit is
// acceptable and available, Internal otherwise.
func (s *Selection) Recommend(selfOK bool) Source {
	s.recommended = Internal
	if selfOK && s.available[Self] {
		s.recommended = Self
	}
	return s.recommended
}

// Recommended returns the current recommendation.
func (s *Selection) Recommended() Source {
	return s.recommended
}

// Override makes src authoritative regardless of the recommendation.
func (s *Selection) Override(src Source) error {
	if src < 0 || src >= numSources {
		return fmt.Errorf("invalid source %d", int(src))
	}
	if !s.available[src] {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, src)
	}
	s.override = src
	s.overridden = true
	return nil
}

// ClearOverride returns control to the recommendation.
func (s *Selection) ClearOverride() {
	s.overridden = false
}

// Overridden returns the override, if any.
func (s *Selection) Overridden() (Source, bool) {
	return s.override, s.overridden
}

// Authoritative returns the source whose estimates are used.
func (s *Selection) Authoritative() Source {
	if s.overridden && s.available[s.override] {
		return s.override
	}
	return s.recommended
}

// Available reports whether src has a usable estimate.
func (s *Selection) Available(src Source) bool {
	return src >= 0 && src < numSources && s.available[src]
}

func (s *Selection) setAvailable(src Source, ok bool) {
	s.available[src] = ok
	if !ok && src == Self && s.recommended == Self {
		s.recommended = Internal
	}
}

func (s Selection) MarshalJSON() ([]byte, error) {
	out := struct {
		Recommended   Source  `json:"recommended"`
		Override      *Source `json:"override"`
		Authoritative Source  `json:"authoritative"`
	}{Recommended: s.recommended, Authoritative: s.Authoritative()}
	if s.overridden {
		o := s.override
		out.Override = &o
	}
	return json.Marshal(out)
}
