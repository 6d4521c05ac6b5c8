package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by inbound and outbound sync counters.
const (
	OutcomeApplied    = "applied"
	OutcomeSuppressed = "suppressed"
	OutcomeDropped    = "dropped"
	OutcomeDispatched = "dispatched"
	OutcomeFailed     = "failed"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"bridge", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubbridge",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"bridge", "method", "path", "status"},
	)
	hubRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Subsystem: "hub_rest",
			Name:      "requests_total",
			Help:      "REST calls issued against the hub.",
		},
		[]string{"op", "status", "success"},
	)
	hubDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubbridge",
			Subsystem: "hub_rest",
			Name:      "request_duration_seconds",
			Help:      "Hub REST call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "status", "success"},
	)
	streamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Inbound event-stream frames by kind.",
		},
		[]string{"kind"},
	)
	streamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hubbridge",
			Subsystem: "stream",
			Name:      "subscribed",
			Help:      "1 while the event stream is subscribed.",
		},
	)
	inboundUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Subsystem: "sync",
			Name:      "inbound_updates_total",
			Help:      "Hub state-change attribute updates by outcome.",
		},
		[]string{"domain", "outcome"},
	)
	outboundCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Subsystem: "sync",
			Name:      "outbound_commands_total",
			Help:      "Local write intents by outcome.",
		},
		[]string{"domain", "service", "outcome"},
	)
	discoveredRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Subsystem: "discovery",
			Name:      "records_created_total",
			Help:      "Local records created by discovery passes.",
		},
		[]string{"domain"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			hubRequests, hubDuration,
			streamFrames, streamConnected,
			inboundUpdates, outboundCommands,
			discoveredRecords,
		)
	})
}

func RecordHTTPRequest(bridge, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(bridge, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(bridge, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordHubRequest tracks one REST call; status is 0 when no response arrived.
func RecordHubRequest(op string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	successLabel := strconv.FormatBool(success)
	hubRequests.WithLabelValues(op, statusLabel, successLabel).Inc()
	hubDuration.WithLabelValues(op, statusLabel, successLabel).Observe(duration.Seconds())
}

func RecordStreamFrame(kind string) {
	RegisterMetrics()
	streamFrames.WithLabelValues(kind).Inc()
}

func SetStreamSubscribed(subscribed bool) {
	RegisterMetrics()
	if subscribed {
		streamConnected.Set(1)
		return
	}
	streamConnected.Set(0)
}

func RecordInboundUpdate(domain, outcome string) {
	RegisterMetrics()
	inboundUpdates.WithLabelValues(domain, outcome).Inc()
}

func RecordOutboundCommand(domain, service, outcome string) {
	RegisterMetrics()
	outboundCommands.WithLabelValues(domain, service, outcome).Inc()
}

func RecordDiscoveredRecord(domain string) {
	RegisterMetrics()
	discoveredRecords.WithLabelValues(domain).Inc()
}
