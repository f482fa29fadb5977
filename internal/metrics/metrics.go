// Package metrics exports the calibration of a session as Prometheus
// metrics, for node exporter textfile collection.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/session"
)

const namespace = "acfmodeler"

// Metrics holds the collectors of one session on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	samples      prometheus.Gauge
	cycles       prometheus.Gauge
	deadTime     prometheus.Gauge
	machineDrift prometheus.Gauge
	importErrors prometheus.Counter

	param    *prometheus.GaugeVec // value of the authoritative parameter
	paramSE  *prometheus.GaugeVec
	points   *prometheus.GaugeVec // points per filter stage
	selected *prometheus.GaugeVec // 1 for the authoritative source
	acf0     *prometheus.GaugeVec
	drift    *prometheus.GaugeVec
}

// New registers the collectors on a new registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		samples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "samples",
			Help: "Number of samples imported",
		}),
		cycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cycles",
			Help: "Number of cycles over all samples",
		}),
		deadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "machine_dead_time_seconds",
			Help: "Dead time the instrument applied to the pulse rates",
		}),
		machineDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "machine_acf_drift_ratio",
			Help: "Relative change of the machine ACF over the session",
		}),
		importErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "import_errors_total",
			Help: "Scan files that could not be imported",
		}),
		param: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "parameter",
			Help: "Authoritative calibration parameter (tau in seconds, a1, a2 per second)",
		}, []string{"isotope", "param"}),
		paramSE: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "parameter_se",
			Help: "Standard error of the authoritative calibration parameter",
		}, []string{"isotope", "param"}),
		points: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "points",
			Help: "Points of an isotope per filter stage",
		}, []string{"isotope", "stage"}),
		selected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "source_selected",
			Help: "1 for the source of the authoritative parameters",
		}, []string{"isotope", "group", "source"}),
		acf0: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "acf0",
			Help: "Analog conversion factor at session start from the isotope's own fit",
		}, []string{"isotope"}),
		drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "acf_drift_ratio",
			Help: "Relative ACF change over the session from the isotope's own fit",
		}, []string{"isotope"}),
	}
	m.reg.MustRegister(m.samples, m.cycles, m.deadTime, m.machineDrift, m.importErrors,
		m.param, m.paramSE, m.points, m.selected, m.acf0, m.drift)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ImportErrors counts files that failed to import.
func (m *Metrics) ImportErrors(n int) {
	m.importErrors.Add(float64(n))
}

// setIfFinite skips NaN values; absent parameters are absent series.
func setIfFinite(g prometheus.Gauge, v float64) {
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		g.Set(v)
	}
}

// Observe records the state of s. Parameters are recorded once the
// isotopes are fitted.
func (m *Metrics) Observe(s *session.Session) {
	m.samples.Set(float64(len(s.Samples)))
	m.cycles.Set(float64(s.Cycles()))
	setIfFinite(m.deadTime, s.DeadTime)
	setIfFinite(m.machineDrift, s.MachineDrift)
	if s.Stage() < session.Fitted {
		return
	}
	for _, ms := range s.Masses {
		l := ms.Label
		m.points.WithLabelValues(l, "observed").Set(float64(ms.NObs))
		m.points.WithLabelValues(l, "qualified").Set(float64(ms.NQual))
		m.points.WithLabelValues(l, "inliers").Set(float64(ms.NIn))
		m.points.WithLabelValues(l, "analog_only").Set(float64(ms.AnalogOnly))

		sel := ms.Fits.Selected()
		for name, p := range map[string]fit.Param{"tau": sel.Tau, "a1": sel.A1, "a2": sel.A2} {
			if !p.Valid() {
				continue
			}
			m.param.WithLabelValues(l, name).Set(p.Value)
			setIfFinite(m.paramSE.WithLabelValues(l, name), p.SE)
		}
		for _, g := range []struct {
			name string
			src  fit.Source
		}{{"acf", sel.ACFSource}, {"tau", sel.TauSource}} {
			for _, src := range []fit.Source{fit.Self, fit.Internal, fit.External} {
				v := 0.0
				if src == g.src {
					v = 1
				}
				m.selected.WithLabelValues(l, g.name, src.String()).Set(v)
			}
		}
		self := ms.Fits.Self
		if !math.IsNaN(self.ACF0) {
			m.acf0.WithLabelValues(l).Set(self.ACF0)
		}
		if !math.IsNaN(self.Drift) {
			m.drift.WithLabelValues(l).Set(self.Drift)
		}
	}
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
