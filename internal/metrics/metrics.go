package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Failure classes used as the class label of leadmail_messages_failed_total
const (
	FailPermanent    = "permanent"
	FailExhausted    = "exhausted"
	FailRender       = "render"
	FailUnresolvable = "unresolvable"
)

// Deferral causes used as the cause label of leadmail_messages_deferred_total
const (
	DeferRetry     = "retry"
	DeferRateLimit = "rate_limit"
	DeferStale     = "stale"
)

// Metrics holds all Prometheus metrics for leadmail
type Metrics struct {
	// Delivery counters
	EntriesEnqueuedTotal    *prometheus.CounterVec
	FollowUpsScheduledTotal *prometheus.CounterVec
	MessagesSentTotal       *prometheus.CounterVec
	MessagesFailedTotal     *prometheus.CounterVec
	MessagesDeferredTotal   *prometheus.CounterVec
	MessagesSkippedTotal    *prometheus.CounterVec
	ClaimConflictsTotal     prometheus.Counter
	StaleRecoveredTotal     prometheus.Counter
	RateLimitDeniedTotal    *prometheus.CounterVec
	SendDurationSeconds     *prometheus.HistogramVec

	// Queue gauges
	QueueEntries       *prometheus.GaugeVec
	QueueOldestSeconds prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EntriesEnqueuedTotal:    counterVec("leadmail_entries_enqueued_total", "Queue entries created for initial sends", "campaign"),
		FollowUpsScheduledTotal: counterVec("leadmail_followups_scheduled_total", "Queue entries created for follow-up stages", "campaign"),
		MessagesSentTotal:       counterVec("leadmail_messages_sent_total", "Messages accepted by a provider", "campaign", "provider"),
		MessagesFailedTotal:     counterVec("leadmail_messages_failed_total", "Entries moved to failed", "campaign", "class"),
		MessagesDeferredTotal:   counterVec("leadmail_messages_deferred_total", "Entries returned to pending", "cause"),
		MessagesSkippedTotal:    counterVec("leadmail_messages_skipped_total", "Entries skipped because the lead opted out", "campaign"),
		ClaimConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadmail_claim_conflicts_total",
			Help: "Claims lost to another worker",
		}),
		StaleRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadmail_stale_recovered_total",
			Help: "Sending entries recovered after their claim went stale",
		}),
		RateLimitDeniedTotal: counterVec("leadmail_ratelimit_denied_total", "Rate limiter denials", "campaign"),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadmail_send_duration_seconds",
				Help:    "Provider send duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		QueueEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leadmail_queue_entries",
				Help: "Queue entries by status",
			},
			[]string{"status"},
		),
		QueueOldestSeconds: gauge("leadmail_queue_oldest_due_seconds", "Age of the oldest due pending entry in seconds"),

		APIRequestsTotal: counterVec("leadmail_api_requests_total", "Total number of API requests", "method", "path", "status"),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadmail_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: counterVec("leadmail_api_errors_total", "Total number of API errors", "error_type"),

		UptimeSeconds:    gauge("leadmail_uptime_seconds", "Process uptime in seconds"),
		Goroutines:       gauge("leadmail_goroutines", "Number of active goroutines"),
		StorageUsedBytes: gauge("leadmail_storage_used_bytes", "BoltDB file size in bytes"),

		registry: reg,
	}

	reg.MustRegister(
		m.EntriesEnqueuedTotal,
		m.FollowUpsScheduledTotal,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesDeferredTotal,
		m.MessagesSkippedTotal,
		m.ClaimConflictsTotal,
		m.StaleRecoveredTotal,
		m.RateLimitDeniedTotal,
		m.SendDurationSeconds,
		m.QueueEntries,
		m.QueueOldestSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// AddEnqueued counts entries created by a campaign enqueue
func AddEnqueued(campaign string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.EntriesEnqueuedTotal.WithLabelValues(campaign).Add(float64(n))
	}
}

// AddFollowUps counts follow-up entries created by a scan
func AddFollowUps(campaign string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.FollowUpsScheduledTotal.WithLabelValues(campaign).Add(float64(n))
	}
}

// IncSent counts a delivered message
func IncSent(campaign, provider string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(campaign, provider).Inc()
	}
}

// IncFailed counts an entry that reached failed
func IncFailed(campaign, class string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(campaign, class).Inc()
	}
}

// IncDeferred counts an entry released back to pending
func IncDeferred(cause string) {
	if m := Global(); m != nil {
		m.MessagesDeferredTotal.WithLabelValues(cause).Inc()
	}
}

// IncSkipped counts an entry skipped for an opted-out lead
func IncSkipped(campaign string) {
	if m := Global(); m != nil {
		m.MessagesSkippedTotal.WithLabelValues(campaign).Inc()
	}
}

// IncClaimConflict counts a claim lost to another worker
func IncClaimConflict() {
	if m := Global(); m != nil {
		m.ClaimConflictsTotal.Inc()
	}
}

// IncStaleRecovered counts a recovered stale claim
func IncStaleRecovered() {
	if m := Global(); m != nil {
		m.StaleRecoveredTotal.Inc()
	}
}

// IncRateLimitDenied counts a limiter denial
func IncRateLimitDenied(campaign string) {
	if m := Global(); m != nil {
		m.RateLimitDeniedTotal.WithLabelValues(campaign).Inc()
	}
}

// ObserveSend records how long a provider send took
func ObserveSend(provider, outcome string, d time.Duration) {
	if m := Global(); m != nil {
		m.SendDurationSeconds.WithLabelValues(provider, outcome).Observe(d.Seconds())
	}
}
