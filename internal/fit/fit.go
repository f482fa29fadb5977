// Package fit holds calibration parameter estimates and the selection of
// which estimate is authoritative for an isotope.
package fit

import (
	"encoding/json"
	"math"
)

// Param is an estimate with its standard error. NaN marks an absent value.
type Param struct {
	Value float64
	SE    float64
}

// NaN returns an absent estimate.
func NaN() Param {
	return Param{math.NaN(), math.NaN()}
}

// Valid reports whether the estimate has a value.
func (p Param) Valid() bool {
	return !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0)
}

// RelSE returns |SE/Value|.
func (p Param) RelSE() float64 {
	return math.Abs(p.SE / p.Value)
}

func (p Param) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value Float `json:"value"`
		SE    Float `json:"se"`
	}{Float(p.Value), Float(p.SE)})
}

// Float marshals NaN and infinities as JSON null.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// SelfFit is the result of the per-isotope regression
//
//	1/P' = tau + a1/A + a2*t/A
//
// where P' is the machine dead time corrected pulse rate, A the analog
// reading and t the time since session start.
type SelfFit struct {
	Tau Param
	A1  Param
	A2  Param

	N        int     // points used
	RSquared float64 // NaN for robust fits
	RedChi2  float64
	ACF0     float64 // 1/a1
	Drift    float64 // relative ACF change over the session
	DTMaxP   float64 // dead time corrected maximum pulse rate
	DTCorr   float64 // relative dead time correction at the maximum pulse rate

	// Two parameter (tau, a1) model, weighted fits only
	Tau2 Param
	A12  Param
}

// NaNSelf returns a fit with every number absent.
func NaNSelf() SelfFit {
	nan := math.NaN()
	return SelfFit{
		Tau: NaN(), A1: NaN(), A2: NaN(),
		RSquared: nan, RedChi2: nan, ACF0: nan, Drift: nan, DTMaxP: nan, DTCorr: nan,
		Tau2: NaN(), A12: NaN(),
	}
}

// Valid reports whether the three regression parameters exist.
func (s SelfFit) Valid() bool {
	return s.Tau.Valid() && s.A1.Valid() && s.A2.Valid()
}

// Estimate is a pooled prediction with its confidence interval.
type Estimate struct {
	Param
	Lower float64
	Upper float64
}

// NaNEstimate returns an absent prediction.
func NaNEstimate() Estimate {
	return Estimate{NaN(), math.NaN(), math.NaN()}
}

func (e Estimate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value Float `json:"value"`
		SE    Float `json:"se"`
		Lower Float `json:"lower"`
		Upper Float `json:"upper"`
	}{Float(e.Value), Float(e.SE), Float(e.Lower), Float(e.Upper)})
}

// Pooled holds the spectrum wide predictions for one isotope.
type Pooled struct {
	Tau Estimate
	A1  Estimate
	A2  Estimate
}

// NaNPooled returns pooled predictions with every value absent.
func NaNPooled() Pooled {
	return Pooled{NaNEstimate(), NaNEstimate(), NaNEstimate()}
}

// ExternalFit holds parameters supplied from outside the session.
type ExternalFit struct {
	Tau Param
	A1  Param
	A2  Param
}

// NaNExternal returns external parameters with every value absent.
func NaNExternal() ExternalFit {
	return ExternalFit{NaN(), NaN(), NaN()}
}

// MassFits collects every estimate for one isotope and the selection of
// the authoritative one for each parameter group.
type MassFits struct {
	Self     SelfFit
	Internal Pooled
	External ExternalFit

	ACF Selection // a1 and a2
	Tau Selection
}

// NewMassFits returns fits with all estimates absent. Selections start at
// Internal with nothing available.
func NewMassFits() MassFits {
	return MassFits{
		Self:     NaNSelf(),
		Internal: NaNPooled(),
		External: NaNExternal(),
		ACF:      NewSelection(),
		Tau:      NewSelection(),
	}
}

// Selected are the parameters used to model the time series of an isotope.
type Selected struct {
	Tau, A1, A2         Param
	TauSource, ACFSource Source
}

// Selected resolves the authoritative parameters.
func (f *MassFits) Selected() Selected {
	sel := Selected{
		TauSource: f.Tau.Authoritative(),
		ACFSource: f.ACF.Authoritative(),
	}
	switch sel.TauSource {
	case Self:
		sel.Tau = f.Self.Tau
	case Internal:
		sel.Tau = f.Internal.Tau.Param
	case External:
		sel.Tau = f.External.Tau
	}
	switch sel.ACFSource {
	case Self:
		sel.A1, sel.A2 = f.Self.A1, f.Self.A2
	case Internal:
		sel.A1, sel.A2 = f.Internal.A1.Param, f.Internal.A2.Param
	case External:
		sel.A1, sel.A2 = f.External.A1, f.External.A2
	}
	return sel
}

// SyncAvailability updates which sources each selection may use from the
// estimates currently held.
func (f *MassFits) SyncAvailability() {
	f.ACF.setAvailable(Self, f.Self.A1.Valid() && f.Self.A2.Valid())
	f.ACF.setAvailable(Internal, f.Internal.A1.Valid() && f.Internal.A2.Valid())
	f.ACF.setAvailable(External, f.External.A1.Valid() && f.External.A2.Valid())
	f.Tau.setAvailable(Self, f.Self.Tau.Valid())
	f.Tau.setAvailable(Internal, f.Internal.Tau.Valid())
	f.Tau.setAvailable(External, f.External.Tau.Valid())
}
