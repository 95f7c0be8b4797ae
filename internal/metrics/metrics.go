package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace for all harvester metrics
const namespace = "oaiharvest"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo exposes build information as labels (value is always 1)
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// OAIRequestsTotal counts OAI-PMH requests by verb and outcome
var OAIRequestsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oai_requests_total",
		Help:      "Total number of OAI-PMH requests issued",
	},
	[]string{"verb", "outcome"}, // outcome: ok|no_records|protocol_error|transport_error|parse_error
)

// OAIRequestDuration records OAI-PMH request latency in seconds
var OAIRequestDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "oai_request_duration_seconds",
		Help:      "OAI-PMH request latency in seconds",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"verb"},
)

// RecordsHarvested counts records delivered by the orchestrator
var RecordsHarvested = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_harvested_total",
		Help:      "Total number of records harvested after de-duplication",
	},
	[]string{"source"},
)

// HarvestRunsTotal counts harvest runs by mode and result
var HarvestRunsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "harvest_runs_total",
		Help:      "Total number of harvest runs",
	},
	[]string{"mode", "result"}, // mode: list|get, result: success|partial|failed
)

// WatermarkCommits counts last-run updates per source
var WatermarkCommits = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watermark_commits_total",
		Help:      "Total number of last-run watermark updates",
	},
	[]string{"source"},
)

// Init registers runtime collectors and sets version information
func Init(version, commit, buildDate string) {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// SourceLabel keeps ad-hoc URL harvests from exploding label cardinality.
func SourceLabel(name string) string {
	if name == "" {
		return "adhoc"
	}
	return name
}
