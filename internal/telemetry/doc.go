// Package telemetry exposes Prometheus metrics: admin HTTP instrumentation
// on a process registry, and per-node membership gauges and counters.
package telemetry
