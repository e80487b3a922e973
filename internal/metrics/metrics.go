// Package metrics exposes prometheus instrumentation for the sync core.
// Hosts that scrape can register everything via Register; the counters
// are cheap no-ops otherwise.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetview_http_requests_total",
			Help: "Total number of gateway HTTP requests.",
		},
		[]string{"method", "status"},
	)

	CacheReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetview_cache_reads_total",
			Help: "Cache reads by family and outcome (hit, stale, miss, mirror).",
		},
		[]string{"family", "outcome"},
	)

	CoalescedCallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetview_coalesced_calls_total",
			Help: "Callers that joined an already pending request.",
		},
	)

	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetview_ws_reconnect_attempts_total",
			Help: "WebSocket connection attempts after the initial one.",
		},
	)

	ChannelState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetview_ws_channel_state",
			Help: "Realtime channel state (0 disconnected, 1 connecting, 2 open, 3 fallback polling).",
		},
	)

	RevocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetview_revocations_total",
			Help: "Session revocations by reason.",
		},
		[]string{"reason"},
	)
)

// Register adds every collector to the given registerer. Pass
// prometheus.DefaultRegisterer to expose via promhttp.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		HTTPRequestsTotal,
		CacheReadsTotal,
		CoalescedCallsTotal,
		ReconnectAttemptsTotal,
		ChannelState,
		RevocationsTotal,
	)
}
