// This file contains code to help debugging, and is
// separated in from the rest in order not to litter
// the main code with debugging stuff

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/houriganUCSC/ACFModeler/internal/session"
)

// Isotopes to print debug output for. nil disables debug output, an empty
// map selects every isotope.
var debugIsotopes = parseDebugEnv(os.Getenv("ACFMODELER_DEBUG"))

func parseDebugEnv(v string) map[string]bool {
	v = strings.TrimSpace(v)
	switch v {
	case "", "0":
		return nil
	case "1":
		return map[string]bool{}
	}
	sel := map[string]bool{}
	for _, l := range strings.Split(v, ",") {
		if l = strings.TrimSpace(l); l != "" {
			sel[l] = true
		}
	}
	return sel
}

func debugEnabled() bool {
	return debugIsotopes != nil
}

func debugWanted(label string) bool {
	if debugIsotopes == nil {
		return false
	}
	return len(debugIsotopes) == 0 || debugIsotopes[label]
}

// debugLogIsotopes prints the filtered points of every selected isotope
// next to the pulse rate its own fit predicts.
func debugLogIsotopes(w io.Writer, s *session.Session) {
	for _, m := range s.Masses {
		if !debugWanted(m.Label) {
			continue
		}
		self := m.Fits.Self
		fmt.Fprintf(w, "Isotope:%s mass:%f obs:%d qualified:%d inliers:%d analog-only:%d\n",
			m.Label, m.AveMass, m.NObs, m.NQual, m.NIn, m.AnalogOnly)
		fmt.Fprintf(w, "tau:%g(%g) a1:%g(%g) a2:%g(%g) R2:%f redChi2:%f\n",
			self.Tau.Value, self.Tau.SE, self.A1.Value, self.A1.SE,
			self.A2.Value, self.A2.SE, self.RSquared, self.RedChi2)
		sel := m.Fits.Selected()
		fmt.Fprintf(w, "selected acf:%s tau:%s\n", sel.ACFSource, sel.TauSource)

		p := m.Filtered
		for i := range p.Pulse {
			t := p.Time[i] - s.StartTime
			pc := p.Pulse[i] / (1 + p.Pulse[i]*s.DeadTime)
			model := 1 / (self.Tau.Value + (self.A1.Value+self.A2.Value*t)/p.Analog[i])
			rel := 100 * (pc/model - 1)
			if math.IsNaN(model) {
				rel = math.NaN()
			}
			fmt.Fprintf(w, "%d t:%f pulse:%f analog:%f ratio:%f model:%f(%0.3f%%)\n",
				i, t, p.Pulse[i], p.Analog[i], p.Pulse[i]/p.Analog[i], model, rel)
		}
	}
}

// debugListUnknownIsotopes prints requested isotopes that the session
// does not have.
func debugListUnknownIsotopes(w io.Writer, s *session.Session) {
	if len(debugIsotopes) == 0 {
		return
	}
	var unknown []string
	for l := range debugIsotopes {
		if _, ok := s.Mass(l); !ok {
			unknown = append(unknown, l)
		}
	}
	if len(unknown) == 0 {
		return
	}
	sort.Strings(unknown)
	fmt.Fprintf(w, "Unknown debug isotopes: %s\n", strings.Join(unknown, " "))
}
