// Package otel binds authmesh counters and histograms to OpenTelemetry
// observable instruments.
//
// [NewOTelExporter] creates one Int64ObservableCounter per engine counter and one
// Int64ObservableGauge per histogram bucket. A single callback reads
// [authmesh.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider; callers supply the Meter.
//   - Mutate engine state.
package otel
