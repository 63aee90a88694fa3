package captchaguard

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts guard activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	issued         prometheus.Counter
	validations    *prometheus.CounterVec
	bypassed       *prometheus.CounterVec
	decodeFailures prometheus.Counter
}

// NewMetrics registers the guard counters with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "captchaguard_issued_total",
			Help: "The total number of challenges presented to clients",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "captchaguard_validations_total",
			Help: "The total number of submitted answers by outcome",
		}, []string{"outcome"}),
		bypassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "captchaguard_bypassed_total",
			Help: "The total number of requests skipped because the client already passed",
		}, []string{"op"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "captchaguard_decode_failures_total",
			Help: "The total number of submitted challenge tokens that failed to decode",
		}),
	}

	for _, c := range []prometheus.Collector{m.issued, m.validations, m.bypassed, m.decodeFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) issue() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *Metrics) validation(passed bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if passed {
		outcome = "success"
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) bypass(op string) {
	if m != nil {
		m.bypassed.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) decodeFailure() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}
