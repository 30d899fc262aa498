// Package otel publishes authcore engine metrics through an OpenTelemetry
// meter.
//
// [NewExporter] registers an Int64ObservableCounter per engine counter and
// an Int64ObservableGauge per latency bucket. One callback reads
// [authcore.Engine.MetricsSnapshot] per collection cycle. The caller owns the
// MeterProvider.
package otel
