package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gometrics "github.com/rcrowley/go-metrics"
)

// Session outcomes recorded by IncSessions.
const (
	OutcomeEndOfStream = "eos"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeConflict    = "conflict"
)

// Metrics holds Prometheus counters and gauges for the relay, plus a
// go-metrics registry of moving-average rates used for the log report.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           *prometheus.CounterVec
	errorsTotal             prometheus.Counter
	sessionsTotal           *prometheus.CounterVec
	activePoints            prometheus.Gauge
	activeSubscribers       prometheus.Gauge
	ingestedBytesTotal      prometheus.Counter
	broadcastPacketsTotal   prometheus.Counter
	droppedSubscribersTotal prometheus.Counter

	rates          gometrics.Registry
	ingestRate     gometrics.Meter
	broadcastRate  gometrics.Meter
	subscriberJoin gometrics.Counter
}

// New creates and registers the relay metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mkv_relay_requests_total",
		Help: "Total number of requests received, by route",
	}, []string{"route"})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mkv_relay_errors_total",
		Help: "Total number of responses with error status (4xx or 5xx)",
	})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mkv_relay_publish_sessions_total",
		Help: "Total number of publish attempts, by outcome",
	}, []string{"outcome"})
	activePoints := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mkv_relay_publishing_points",
		Help: "Number of publishing points currently registered",
	})
	activeSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mkv_relay_subscribers",
		Help: "Number of viewers currently attached to a publishing point",
	})
	ingestedBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mkv_relay_ingested_bytes_total",
		Help: "Total number of Matroska bytes read from publishers",
	})
	broadcastPacketsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mkv_relay_broadcast_packets_total",
		Help: "Total number of elements broadcast to subscribers",
	})
	droppedSubscribersTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mkv_relay_dropped_subscribers_total",
		Help: "Total number of subscribers removed after a failed or slow write",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsTotal,
		activePoints,
		activeSubscribers,
		ingestedBytesTotal,
		broadcastPacketsTotal,
		droppedSubscribersTotal,
	)

	rates := gometrics.NewRegistry()

	return &Metrics{
		registry:                registry,
		requestsTotal:           requestsTotal,
		errorsTotal:             errorsTotal,
		sessionsTotal:           sessionsTotal,
		activePoints:            activePoints,
		activeSubscribers:       activeSubscribers,
		ingestedBytesTotal:      ingestedBytesTotal,
		broadcastPacketsTotal:   broadcastPacketsTotal,
		droppedSubscribersTotal: droppedSubscribersTotal,

		rates:          rates,
		ingestRate:     gometrics.GetOrRegisterMeter("relay.ingest.bytes", rates),
		broadcastRate:  gometrics.GetOrRegisterMeter("relay.broadcast.packets", rates),
		subscriberJoin: gometrics.GetOrRegisterCounter("relay.subscribers.joined", rates),
	}
}

// IncRequests increments the request counter for route.
func (m *Metrics) IncRequests(route string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncSessions records the outcome of one publish attempt.
func (m *Metrics) IncSessions(outcome string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

// SetActivePoints sets the publishing points gauge.
func (m *Metrics) SetActivePoints(n int) {
	if m == nil {
		return
	}
	m.activePoints.Set(float64(n))
}

// AddSubscribers moves the subscriber gauge by delta.
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.activeSubscribers.Add(float64(delta))
	if delta > 0 {
		m.subscriberJoin.Inc(int64(delta))
	}
}

// AddIngestedBytes records n bytes read from a publisher.
func (m *Metrics) AddIngestedBytes(n int) {
	if m == nil {
		return
	}
	m.ingestedBytesTotal.Add(float64(n))
	m.ingestRate.Mark(int64(n))
}

// IncBroadcastPackets records one broadcast element.
func (m *Metrics) IncBroadcastPackets() {
	if m == nil {
		return
	}
	m.broadcastPacketsTotal.Inc()
	m.broadcastRate.Mark(1)
}

// IncDroppedSubscribers records a subscriber removed by the broadcast loop.
func (m *Metrics) IncDroppedSubscribers() {
	if m == nil {
		return
	}
	m.droppedSubscribersTotal.Inc()
}

// Rates exposes the go-metrics registry of moving averages.
func (m *Metrics) Rates() gometrics.Registry {
	if m == nil {
		return nil
	}
	return m.rates
}

// StartReport logs the rate registry every interval through log, in the
// go-metrics text format. It runs for the life of the process.
func (m *Metrics) StartReport(log *slog.Logger, interval time.Duration) {
	if m == nil || interval <= 0 {
		return
	}
	l := slog.NewLogLogger(log.Handler(), slog.LevelInfo)
	go gometrics.Log(m.rates, interval, l)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active points).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
