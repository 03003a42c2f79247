/*
Package metrics provides Prometheus metrics for pixelcache.

# Overview

The Collector owns a private Prometheus registry and exports request
outcomes, transform latency, cache lookups and persistent tier state. It
implements cache.Recorder so the cache orchestrator can report without
depending on Prometheus.

	┌─────────────┐
	│  Collector  │  ← cache.Recorder, proxy hooks
	└──────┬──────┘
	       │
	┌──────▼───────┐         ┌─────────────────┐
	│  Prometheus  │────────▶│  GET /metrics   │
	│   Registry   │         │  (promhttp)     │
	└──────────────┘         └─────────────────┘

# Exported Series

	<ns>_requests_total{status,cache}
	<ns>_request_duration_seconds{cache}
	<ns>_cache_lookups_total{source}          memory | persistent | none
	<ns>_tier_errors_total{tier}
	<ns>_memory_cache_bytes
	<ns>_persistent_tier_enabled{tier}
	<ns>_transform_duration_seconds{format}
	<ns>_source_bytes
	<ns>_upstream_circuit_open{host}

Go runtime and process collectors are registered alongside.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "pixelcache",
	})
	if err != nil {
		return err
	}
	mux.Handle(collector.Path(), collector.Handler())

A disabled collector accepts every call and records nothing.
*/
package metrics
