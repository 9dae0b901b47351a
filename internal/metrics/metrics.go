package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fbspeed"

// Run outcomes.
const (
	OutcomeComplete  = "complete"
	OutcomeCancelled = "cancelled"
	OutcomeFault     = "fault"
	OutcomeBusy      = "busy"
)

// Fallback kinds.
const (
	FallbackPing     = "ping"
	FallbackDownload = "download"
	FallbackUpload   = "upload"
	FallbackGeo      = "geo"
)

// Geo lookup results.
const (
	GeoHit     = "hit"
	GeoMiss    = "miss"
	GeoStale   = "stale"
	GeoUnknown = "unknown"
)

// Metrics holds the collectors for one registry. A nil *Metrics is valid and
// records nothing, so components can run without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	phaseDuration   *prometheus.HistogramVec
	fallbackTotal   *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	geoLookups      *prometheus.CounterVec
	geoSourceErrors *prometheus.CounterVec
	serverBytes     *prometheus.CounterVec
	serverRequests  *prometheus.CounterVec
	lastDownload    prometheus.Gauge
	lastUpload      prometheus.Gauge
	lastPing        prometheus.Gauge
	lastJitter      prometheus.Gauge
	startTime       prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Speed test runs by outcome.",
		}, []string{"outcome"}), // outcome=complete|cancelled|fault|busy
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Speed test runs currently in flight.",
		}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of each measurement phase.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"phase"}),
		fallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Phases that fell back to synthesized values.",
		}, []string{"kind"}),
		transferBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by client throughput streams.",
		}, []string{"direction"}),
		geoLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_lookups_total",
			Help:      "Geo resolutions by cache result.",
		}, []string{"result"}),
		geoSourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_source_errors_total",
			Help:      "Failed geo source attempts.",
		}, []string{"source"}),
		serverBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_bytes_total",
			Help:      "Bytes served or received by the transfer endpoints.",
		}, []string{"direction"}),
		serverRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_requests_total",
			Help:      "Requests handled by the collaborator endpoints.",
		}, []string{"endpoint", "code"}),
		lastDownload: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_download_mbps",
			Help:      "Download result of the last completed run.",
		}),
		lastUpload: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_upload_mbps",
			Help:      "Upload result of the last completed run.",
		}),
		lastPing: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_ping_ms",
			Help:      "Ping result of the last completed run.",
		}),
		lastJitter: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_jitter_ms",
			Help:      "Jitter result of the last completed run.",
		}),
		startTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix time the process started serving.",
		}),
	}
	m.startTime.Set(float64(time.Now().Unix()))
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RunRejected() {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(OutcomeBusy).Inc()
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) Fallback(kind string) {
	if m == nil {
		return
	}
	m.fallbackTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddTransferBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) GeoLookup(result string) {
	if m == nil {
		return
	}
	m.geoLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) GeoSourceError(source string) {
	if m == nil {
		return
	}
	m.geoSourceErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) AddServerBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.serverBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) ServerRequest(endpoint string, code int) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(endpoint, statusClass(code)).Inc()
}

func (m *Metrics) SetLastResult(downloadMbps, uploadMbps, pingMs, jitterMs float64) {
	if m == nil {
		return
	}
	m.lastDownload.Set(downloadMbps)
	m.lastUpload.Set(uploadMbps)
	m.lastPing.Set(pingMs)
	m.lastJitter.Set(jitterMs)
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
