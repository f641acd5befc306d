package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "valtimo"
	metricsSubsystem = "authz"

	resourceTypeLabelName = "resource_type"
	actionLabelName       = "action"
	resultLabelName       = "result"
	reasonLabelName       = "reason"
)

// Decision results.
const (
	ResultGranted  = "granted"
	ResultDenied   = "denied"
	ResultBypassed = "bypassed"
	ResultError    = "error"
)

// Metrics records authorization outcomes. A nil *Metrics records nothing.
type Metrics struct {
	decisions      *prometheus.CounterVec
	errors         *prometheus.CounterVec
	filterDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "decisions_total",
				Help:      "Point check decisions by resource type, action and result.",
			}, []string{resourceTypeLabelName, actionLabelName, resultLabelName}),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "evaluation_errors_total",
				Help:      "Permission evaluation failures by reason.",
			}, []string{reasonLabelName}),
		filterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "filter_build_seconds",
				Help:      "Time to build a bulk filter predicate.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			}, []string{resourceTypeLabelName}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.errors, m.filterDuration)
	}
	return m
}

func (m *Metrics) decision(resourceType, action, result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(resourceType, action, result).Inc()
}

func (m *Metrics) evaluationError(err error) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorReason(err)).Inc()
}

func (m *Metrics) observeFilter(resourceType string, d time.Duration) {
	if m == nil {
		return
	}
	m.filterDuration.WithLabelValues(resourceType).Observe(d.Seconds())
}
