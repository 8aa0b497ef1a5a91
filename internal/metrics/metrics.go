package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
// Every observer is a no-op on a nil receiver so components can run without it.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	refreshTotal        *prometheus.CounterVec
	refreshDuration     prometheus.Histogram
	refreshSkipped      *prometheus.CounterVec
	spiderfyTotal       *prometheus.CounterVec
	filterFailures      prometheus.Counter
	presenceDropped     *prometheus.CounterVec
	changefeedEvents    *prometheus.CounterVec
}

// New creates a fresh Metrics registry with HTTP, refresh and overlay metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by core-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulsemap",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by core-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Name:      "tile_refresh_total",
		Help:      "Tile refresh requests sent to the tile endpoint, by result",
	}, []string{"result"})

	refreshDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulsemap",
		Name:      "tile_refresh_duration_seconds",
		Help:      "Duration of tile refresh requests",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	refreshSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Name:      "tile_refresh_skipped_total",
		Help:      "Tile refresh ticks that were skipped, by reason",
	}, []string{"reason"})

	spiderfyTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Name:      "spiderfy_total",
		Help:      "Cluster expansions, by mode (zoom or spider)",
	}, []string{"mode"})

	filterFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Name:      "filter_failures_total",
		Help:      "Layer filters the renderer rejected after normalization",
	})

	presenceDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Name:      "presence_dropped_total",
		Help:      "Presence entries dropped for invalid coordinates, by kind",
	}, []string{"kind"})

	changefeedEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsemap",
		Name:      "changefeed_events_total",
		Help:      "Change-feed notifications received, by transport",
	}, []string{"transport"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		refreshTotal,
		refreshDuration,
		refreshSkipped,
		spiderfyTotal,
		filterFailures,
		presenceDropped,
		changefeedEvents,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		refreshTotal:        refreshTotal,
		refreshDuration:     refreshDuration,
		refreshSkipped:      refreshSkipped,
		spiderfyTotal:       spiderfyTotal,
		filterFailures:      filterFailures,
		presenceDropped:     presenceDropped,
		changefeedEvents:    changefeedEvents,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveRefresh records one tile refresh. result is "ok" or "error".
func (m *Metrics) ObserveRefresh(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncRefreshSkipped(reason string) {
	if m == nil {
		return
	}
	m.refreshSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSpiderfy(mode string) {
	if m == nil {
		return
	}
	m.spiderfyTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncFilterFailure() {
	if m == nil {
		return
	}
	m.filterFailures.Inc()
}

func (m *Metrics) AddPresenceDropped(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.presenceDropped.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) IncChangefeedEvent(transport string) {
	if m == nil {
		return
	}
	m.changefeedEvents.WithLabelValues(transport).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
