// Package metrics exposes Prometheus collectors for the coordinator,
// the MQTT bridge, and the HTTP API. Collectors live on a private
// registry so tests can build as many instances as they like. Every
// recording method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/meshbridge/internal/wifi"
)

const namespace = "meshbridge"

// Refresh outcomes used as the "outcome" label.
const (
	OutcomeSuccess        = "success"
	OutcomeSessionExpired = "session_expired"
	OutcomeNotReady       = "not_ready"
	OutcomeConfig         = "config"
	OutcomeUpdateFailed   = "update_failed"
	OutcomeCanceled       = "canceled"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	lastSuccess     prometheus.Gauge
	sessionRebuilds prometheus.Counter

	devices      *prometheus.GaugeVec
	systemOnline *prometheus.GaugeVec
	apOnline     *prometheus.GaugeVec
	signals      *prometheus.CounterVec

	speedTests   *prometheus.CounterVec
	speedTestBps *prometheus.GaugeVec

	commands *prometheus.CounterVec
	httpReqs *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Coordinator refresh cycles by outcome.",
		}, []string{"outcome"}),
		refreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of coordinator refresh cycles.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		}),
		sessionRebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rebuilds_total",
			Help:      "Cloud sessions rebuilt after expiry.",
		}),

		devices: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices per system by network segment.",
		}, []string{"system", "network"}),
		systemOnline: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_online",
			Help:      "1 when the system's WAN link is up.",
		}, []string{"system"}),
		apOnline: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "access_point_online",
			Help:      "1 when the access point is reachable by the mesh.",
		}, []string{"system", "access_point"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Inventory signals published by kind.",
		}, []string{"kind"}),

		speedTests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speed_tests_total",
			Help:      "WAN speed tests by system and result.",
		}, []string{"system", "result"}),
		speedTestBps: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speed_test_bits_per_second",
			Help:      "Most recent WAN speed test result.",
		}, []string{"system", "direction"}),

		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Entity commands by source and result.",
		}, []string{"source", "result"}),
		httpReqs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status class.",
		}, []string{"route", "code"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDropCounter exports a counter read from fn at scrape time,
// used for signals lost to slow bus subscribers.
func (m *Metrics) RegisterDropCounter(fn func() uint64) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_dropped_total",
		Help:      "Signal deliveries skipped because a subscriber was full.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveRefresh records one refresh cycle.
func (m *Metrics) ObserveRefresh(outcome string, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(d.Seconds())
	if outcome == OutcomeSuccess {
		m.lastSuccess.Set(float64(at.Unix()))
	}
}

// SessionRebuilt counts one cloud session rebuild.
func (m *Metrics) SessionRebuilt() {
	if m == nil {
		return
	}
	m.sessionRebuilds.Inc()
}

// SetSystems replaces the per-system gauges with the given snapshot so
// systems that disappeared stop being exported.
func (m *Metrics) SetSystems(systems map[string]*wifi.System) {
	if m == nil {
		return
	}
	m.devices.Reset()
	m.systemOnline.Reset()
	m.apOnline.Reset()
	for id, sys := range systems {
		m.devices.WithLabelValues(id, "main").Set(float64(sys.ConnectedDevices))
		m.devices.WithLabelValues(id, "guest").Set(float64(sys.GuestDevices))
		m.devices.WithLabelValues(id, "total").Set(float64(sys.TotalDevices))
		m.systemOnline.WithLabelValues(id).Set(boolFloat(sys.Online()))
		for apID, ap := range sys.AccessPoints {
			m.apOnline.WithLabelValues(id, apID).Set(boolFloat(ap.Online()))
		}
	}
}

// Signal counts one published inventory signal.
func (m *Metrics) Signal(kind string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind).Inc()
}

// SpeedTest records one speed test attempt. res may be nil when the
// cloud had no result to report.
func (m *Metrics) SpeedTest(systemID string, res *wifi.SpeedTestResult, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.speedTests.WithLabelValues(systemID, "error").Inc()
		return
	}
	m.speedTests.WithLabelValues(systemID, "ok").Inc()
	if res != nil {
		m.speedTestBps.WithLabelValues(systemID, "download").Set(res.DownloadBps)
		m.speedTestBps.WithLabelValues(systemID, "upload").Set(res.UploadBps)
	}
}

// Command counts one entity command from source ("mqtt" or "api").
func (m *Metrics) Command(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(source, result).Inc()
}

// HTTPRequest counts one API request.
func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpReqs.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
