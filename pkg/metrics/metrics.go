package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dip_clusters_total",
			Help: "Total number of clusters by status",
		},
		[]string{"status"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dip_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dip_volumes_total",
			Help: "Total number of volumes by in_use state",
		},
		[]string{"in_use"},
	)

	OrchestratorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dip_orchestrator_queue_depth",
			Help: "Current number of queued commands per cluster worker",
		},
		[]string{"cluster_id"},
	)

	OrchestratorStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dip_orchestrator_step_duration_seconds",
			Help:    "Duration of individual cluster/deployment orchestrator steps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step", "outcome"},
	)

	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dip_provider_call_duration_seconds",
			Help:    "Duration of provider driver API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	HelmOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dip_helm_operations_total",
			Help: "Total Helm install/upgrade/uninstall operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ClustersTotal,
		DeploymentsTotal,
		VolumesTotal,
		OrchestratorQueueDepth,
		OrchestratorStepDuration,
		ProviderCallDuration,
		HelmOperationsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for a dedicated /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
