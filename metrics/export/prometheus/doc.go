// Package prometheus exposes authcore engine metrics through
// client_golang.
//
// [NewCollector] adapts an engine snapshot to a prometheus.Collector;
// [NewExporter] registers one on a private registry and serves it. Counter
// names are authcore_*_total and the single histogram is
// authcore_validate_latency_seconds. Nothing is registered on the global
// default registry.
package prometheus
