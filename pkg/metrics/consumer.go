package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConsumerMetrics records per-subscriber processing outcomes.
type ConsumerMetrics struct {
	duration *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	claimed  *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
}

// Outcome labels reported by the consumer loop.
const (
	OutcomeSucceeded       = "succeeded"
	OutcomeFailedPermanent = "failed_permanent"
	OutcomeFailedTransient = "failed_transient"
	OutcomeDuplicate       = "duplicate"
)

// NewConsumerMetrics registers the consumer metrics on the provided
// registerer. A nil registerer yields a no-op instance.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	if reg == nil {
		return &ConsumerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_handle_duration_seconds",
		Help:    "Duration of handler executions in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"subscriber", "event_type"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_entries_total",
		Help: "Processed stream entries by outcome.",
	}, []string{"subscriber", "outcome"})
	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_claimed_total",
		Help: "Entries reclaimed from timed-out consumers.",
	}, []string{"subscriber"})
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consumer_in_flight",
		Help: "Entries currently being handled.",
	}, []string{"subscriber"})
	reg.MustRegister(duration, outcomes, claimed, inFlight)
	return &ConsumerMetrics{
		duration: duration,
		outcomes: outcomes,
		claimed:  claimed,
		inFlight: inFlight,
	}
}

// ObserveDuration records how long a handler ran for the event type.
func (c *ConsumerMetrics) ObserveDuration(subscriber, eventType string, duration time.Duration) {
	if c == nil || c.duration == nil {
		return
	}
	c.duration.WithLabelValues(normalizeLabel(subscriber), normalizeLabel(eventType)).Observe(duration.Seconds())
}

// IncOutcome increments the counter for one processed entry.
func (c *ConsumerMetrics) IncOutcome(subscriber, outcome string) {
	if c == nil || c.outcomes == nil {
		return
	}
	c.outcomes.WithLabelValues(normalizeLabel(subscriber), normalizeLabel(outcome)).Inc()
}

// IncClaimed counts entries taken over from a timed-out consumer.
func (c *ConsumerMetrics) IncClaimed(subscriber string, n int) {
	if c == nil || c.claimed == nil || n <= 0 {
		return
	}
	c.claimed.WithLabelValues(normalizeLabel(subscriber)).Add(float64(n))
}

// TrackInFlight marks one entry as in progress; the returned func releases it.
func (c *ConsumerMetrics) TrackInFlight(subscriber string) func() {
	if c == nil || c.inFlight == nil {
		return func() {}
	}
	gauge := c.inFlight.WithLabelValues(normalizeLabel(subscriber))
	gauge.Inc()
	return gauge.Dec
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
