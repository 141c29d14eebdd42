// Package metrics exposes credential pool and retry-loop metrics to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
)

// Collector records attempt outcomes and send results. It implements
// resilient.Recorder and is safe for concurrent use.
type Collector struct {
	outcomesTotal *prometheus.CounterVec
	sendsTotal    *prometheus.CounterVec
	sendAttempts  *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// NewCollector creates a collector on the default registerer
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector using the supplied registerer
func NewCollectorWithRegistry(registerer prometheus.Registerer) *Collector {
	return &Collector{
		outcomesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keypool_attempt_outcomes_total",
				Help: "Classified outcomes of provider attempts",
			},
			[]string{"pool", "outcome"},
		),
		sendsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keypool_sends_total",
				Help: "Logical generation requests by final result",
			},
			[]string{"pool", "result"},
		),
		sendAttempts: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keypool_send_attempts",
				Help:    "Attempts used per logical generation request",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"pool"},
		),
		registerer: registerer,
	}
}

// RecordOutcome counts one classified attempt
func (c *Collector) RecordOutcome(pool string, outcome keypool.Outcome) {
	if c == nil {
		return
	}
	c.outcomesTotal.WithLabelValues(pool, outcome.String()).Inc()
}

// RecordSend counts one finished Send/Generate call
func (c *Collector) RecordSend(pool string, attempts int, err error) {
	if c == nil {
		return
	}
	c.sendsTotal.WithLabelValues(pool, sendResult(err)).Inc()
	c.sendAttempts.WithLabelValues(pool).Observe(float64(attempts))
}

// WatchPool exports gauges for the given pool, read on every scrape
func (c *Collector) WatchPool(name string, pool *keypool.Pool) error {
	return c.registerer.Register(&poolCollector{name: name, pool: pool})
}

func sendResult(err error) string {
	var parseErr *providers.ParseError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, keypool.ErrNoCredential):
		return "pool_exhausted"
	case errors.Is(err, resilient.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.As(err, &parseErr):
		return "parse_error"
	default:
		return "error"
	}
}

var (
	poolCredentialsDesc = prometheus.NewDesc(
		"keypool_credentials",
		"Credentials in the pool by availability",
		[]string{"pool", "state"}, nil,
	)
	credentialFailuresDesc = prometheus.NewDesc(
		"keypool_credential_consecutive_failures",
		"Consecutive failures per credential",
		[]string{"pool", "credential"}, nil,
	)
	credentialCooldownDesc = prometheus.NewDesc(
		"keypool_credential_cooldown_seconds",
		"Remaining cooldown per credential",
		[]string{"pool", "credential"}, nil,
	)
)

// poolCollector turns Pool.Stats into gauges at scrape time
type poolCollector struct {
	name string
	pool *keypool.Pool
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolCredentialsDesc
	ch <- credentialFailuresDesc
	ch <- credentialCooldownDesc
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := p.pool.Stats()

	ch <- prometheus.MustNewConstMetric(poolCredentialsDesc, prometheus.GaugeValue, float64(stats.Available), p.name, "available")
	ch <- prometheus.MustNewConstMetric(poolCredentialsDesc, prometheus.GaugeValue, float64(stats.Unavailable), p.name, "cooling_down")

	for _, cs := range stats.Credentials {
		ch <- prometheus.MustNewConstMetric(credentialFailuresDesc, prometheus.GaugeValue, float64(cs.Failures), p.name, cs.ID)
		ch <- prometheus.MustNewConstMetric(credentialCooldownDesc, prometheus.GaugeValue, cs.CooldownRemaining.Seconds(), p.name, cs.ID)
	}
}

var _ resilient.Recorder = (*Collector)(nil)
