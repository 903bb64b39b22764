// Package metrics exposes Prometheus instrumentation for the broker.
//
// A Collector is registered on a caller-supplied registerer so tests and
// embedding programs can keep separate registries. All methods are safe to
// call on a nil *Collector, which records nothing; components therefore take
// an optional collector and never need to check for it.
package metrics
