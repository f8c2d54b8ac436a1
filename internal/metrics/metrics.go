// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Supervisor
	BotStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botvisor_bot_starts_total",
			Help: "Start attempts by trigger and result",
		},
		[]string{"trigger", "result"}, // trigger: manual, auto, boot; result: ok, failed
	)

	BotStartDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botvisor_bot_start_duration_seconds",
			Help:    "Time from start request to a spawned process, including dependency install",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	BotStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botvisor_bot_stops_total",
			Help: "Explicit stop requests",
		},
	)

	BotExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botvisor_bot_exits_total",
			Help: "Unrequested process exits",
		},
		[]string{"kind"}, // clean, crash
	)

	RestartsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botvisor_restart_budget_exhausted_total",
			Help: "Bots that crashed with no automatic restarts left",
		},
	)

	RunningBots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botvisor_running_bots",
			Help: "Bots with a live process instance",
		},
	)

	// Heartbeats and sweep
	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botvisor_heartbeats_total",
			Help: "Heartbeat posts by outcome",
		},
		[]string{"result"}, // accepted, rejected, limited, failed
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botvisor_sweep_duration_seconds",
			Help:    "Duration of a heartbeat sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botvisor_sweep_stale_total",
			Help: "Bots marked offline by the sweep",
		},
	)

	// Store
	StoreBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botvisor_store_breaker_open",
			Help: "1 while the store circuit breaker is open",
		},
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botvisor_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botvisor_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botvisor_http_active_requests",
			Help: "In-flight HTTP requests",
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botvisor_websocket_clients",
			Help: "Connected activity stream clients",
		},
	)
)

func RecordStart(trigger string, duration time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	BotStarts.WithLabelValues(trigger, result).Inc()
	if ok {
		BotStartDuration.Observe(duration.Seconds())
	}
}

func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

func SetBreakerOpen(open bool) {
	if open {
		StoreBreakerOpen.Set(1)
	} else {
		StoreBreakerOpen.Set(0)
	}
}
