package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook deliveries by outcome (count)",
		},
		[]string{"outcome"},
	)

	WebhookProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_ms",
			Help:    "Processing duration for webhook deliveries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"outcome"},
	)

	DedupChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_checks_total",
			Help: "Total number of dedup cache checks (count)",
		},
		[]string{"cache", "status"},
	)

	DedupCacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedup_cache_size",
			Help: "Current number of ids held in a dedup cache (count)",
		},
		[]string{"cache"},
	)

	DedupSweepEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_sweep_evictions_total",
			Help: "Total number of ids evicted by the periodic sweep (count)",
		},
		[]string{"cache"},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_total",
			Help: "Total number of downstream dispatches (count)",
		},
		[]string{"dispatcher", "status"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_ms",
			Help:    "Duration of downstream dispatches in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"dispatcher"},
	)

	OutboundSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_send_total",
			Help: "Total number of outbound provider sends (count)",
		},
		[]string{"status"},
	)

	PairingCodesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_codes_issued_total",
			Help: "Total number of pairing codes issued to unrecognized senders (count)",
		},
	)

	FilterEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_evaluations_total",
			Help: "Total number of inbound filter expression evaluations (count)",
		},
		[]string{"result"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"component", "strategy", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"component"},
	)

	BusMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_written_total",
			Help: "Total number of messages written to the bus (count)",
		},
		[]string{"topic"},
	)

	BusWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bus_write_duration_ms",
			Help:    "Duration of bus writes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"topic"},
	)
)

func RegisterWebhookMetrics() {
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(WebhookProcessingDuration)
	prometheus.MustRegister(DedupChecksTotal)
	prometheus.MustRegister(DedupCacheSize)
	prometheus.MustRegister(DedupSweepEvictionsTotal)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(PairingCodesIssuedTotal)
	prometheus.MustRegister(FilterEvaluationsTotal)
	prometheus.MustRegister(FallbackUsageTotal)
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func RegisterOutboundMetrics() {
	prometheus.MustRegister(OutboundSendTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterBusMetrics() {
	prometheus.MustRegister(BusMessagesWrittenTotal)
	prometheus.MustRegister(BusWriteDuration)
}

func ObserveWebhookDuration(duration time.Duration, outcome string) {
	WebhookProcessingDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func ObserveDispatchDuration(duration time.Duration, dispatcher string) {
	DispatchDuration.WithLabelValues(dispatcher).Observe(float64(duration.Milliseconds()))
}
