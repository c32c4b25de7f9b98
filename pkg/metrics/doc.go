/*
Package metrics provides Prometheus metrics collection and exposition for
DataInfraPilot: cluster/deployment/volume gauges sampled from the store by
Collector, per-step orchestrator histograms, provider call latency, and a
liveness/readiness reporter used by the serve command.
*/
package metrics
