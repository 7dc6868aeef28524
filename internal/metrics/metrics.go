// Package metrics 票据注册中心的 Prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uac_sso"

// Metrics 指标集合，nil 值的方法调用为空操作
type Metrics struct {
	ticketsAdded      *prometheus.CounterVec
	ticketsRemoved    *prometheus.CounterVec
	validations       *prometheus.CounterVec
	contentionRetries prometheus.Counter
	sweepRuns         prometheus.Counter
	sweepRemoved      prometheus.Counter
	sweepDuration     prometheus.Histogram
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticketsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tickets_added_total",
				Help:      "Number of tickets written to the registry.",
			}, []string{"type"},
		),
		ticketsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tickets_removed_total",
				Help:      "Number of tickets removed from the registry.",
			}, []string{"type"},
		),
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticket_validations_total",
				Help:      "Number of ticket validations by outcome.",
			}, []string{"type", "outcome"},
		),
		contentionRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticket_contention_retries_total",
				Help:      "Number of optimistic update retries caused by version conflicts.",
			},
		),
		sweepRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Number of expiration sweep passes.",
			},
		),
		sweepRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_removed_total",
				Help:      "Number of expired tickets removed by the sweep.",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Time taken by one expiration sweep pass.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
		),
	}

	reg.MustRegister(
		m.ticketsAdded,
		m.ticketsRemoved,
		m.validations,
		m.contentionRetries,
		m.sweepRuns,
		m.sweepRemoved,
		m.sweepDuration,
	)
	return m
}

func (m *Metrics) TicketAdded(ticketType string) {
	if m != nil {
		m.ticketsAdded.WithLabelValues(ticketType).Inc()
	}
}

func (m *Metrics) TicketsRemoved(ticketType string, n int) {
	if m != nil && n > 0 {
		m.ticketsRemoved.WithLabelValues(ticketType).Add(float64(n))
	}
}

func (m *Metrics) Validation(ticketType, outcome string) {
	if m != nil {
		m.validations.WithLabelValues(ticketType, outcome).Inc()
	}
}

func (m *Metrics) ContentionRetry() {
	if m != nil {
		m.contentionRetries.Inc()
	}
}

// SweepFinished 记录一次清理
func (m *Metrics) SweepFinished(removed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepRemoved.Add(float64(removed))
	m.sweepDuration.Observe(duration.Seconds())
}
