package spectrum

import (
	"math"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
)

// Quality an isotope's own fit needs before it is recommended over the
// trend.
const (
	MaxA1RelSE     = 0.005
	MaxA2RelSE     = 0.01
	MinACFRSquared = 0.95

	MaxTauRelSE    = 0.01
	MinTauRSquared = 0.97
	MinTauMaxPulse = 1e6 // dead time corrected, counts per second
)

// Recommend reports whether the isotope's own a1/a2 pair and its own tau
// are good enough to be used instead of the pooled values. R² is not
// checked when the fit does not define it.
func Recommend(s fit.SelfFit) (acfOK, tauOK bool) {
	acfOK = s.A1.Valid() && s.A2.Valid() &&
		s.A1.RelSE() < MaxA1RelSE &&
		s.A2.RelSE() < MaxA2RelSE &&
		rSquaredAbove(s.RSquared, MinACFRSquared)
	tauOK = s.Tau.Valid() &&
		s.Tau.RelSE() < MaxTauRelSE &&
		rSquaredAbove(s.RSquared, MinTauRSquared) &&
		s.DTMaxP > MinTauMaxPulse
	return acfOK, tauOK
}

func rSquaredAbove(r, min float64) bool {
	return math.IsNaN(r) || r > min
}
