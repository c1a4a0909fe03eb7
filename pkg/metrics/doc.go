/*
Package metrics provides Prometheus metrics collection and exposition for Hutch.

The metrics package defines and registers all Hutch metrics using the Prometheus
client library, providing observability into the event log, service lifecycle,
capability checks, protection mechanisms, and API latency. Metrics are exposed
via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Metric Categories                │           │
	│  │                                            │           │
	│  │  Event log: appended, dropped, queue depth │           │
	│  │  Services: running, deploys, restarts      │           │
	│  │  Capabilities: verification results        │           │
	│  │  Protection: breaker state, admission      │           │
	│  │  API: request count, duration              │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Gauge Collector                   │           │
	│  │  - Samples registry / admission / log      │           │
	│  │  - 15 second interval                      │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          HTTP Metrics Endpoint             │           │
	│  │  - Path: /metrics                          │           │
	│  │  - Format: Prometheus text exposition      │           │
	│  │  - Handler: promhttp.Handler()             │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Gauge Collector:
  - Samples live worker counts, admission state, and the log watermark
  - Sources passed as interfaces so the package stays a leaf
  - GaugeVecs reset per sample so dead tenants drop off

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

Health Checker:
  - Component health registry with /health, /ready, /live handlers
  - Readiness requires eventstore, deployer, and api to report healthy

# Metrics Catalog

Event Log Metrics:

hutch_events_appended_total{type, class}:
  - Type: Counter
  - Description: Events committed to the log by type and durability class
  - Example: hutch_events_appended_total{type="service_deployed",class="durable"} 42

hutch_events_dropped_total:
  - Type: Counter
  - Description: Best-effort events dropped because the append queue was full

hutch_event_queue_depth:
  - Type: Gauge
  - Description: Current depth of the event append queue

hutch_event_log_last_id:
  - Type: Gauge
  - Description: Highest event id committed to the durable log

Service Lifecycle Metrics:

hutch_services_running{tenant}:
  - Type: Gauge
  - Description: Live service workers by tenant

hutch_deploys_total{result}:
  - Type: Counter
  - Description: Deploy attempts by result (deployed/invalid/rejected/conflict/failed)

hutch_restarts_total{tenant}:
  - Type: Counter
  - Description: Worker restarts by tenant

hutch_swaps_total{result}:
  - Type: Counter
  - Description: Hot swap attempts by result (committed/rolled_back/failed/
    rejected/conflict/not_found/compile_error)

Capability Metrics:

hutch_capability_verifications_total{result}:
  - Type: Counter
  - Description: Capability verifications by result (allow or deny reason)

Protection Metrics:

hutch_breaker_state{tenant, service}:
  - Type: Gauge
  - Description: Circuit breaker state (0 closed, 1 half-open, 2 open)

hutch_admission_in_flight{tenant}:
  - Type: Gauge
  - Description: In-flight admitted requests by tenant

hutch_admission_rejected_total{tenant}:
  - Type: Counter
  - Description: Requests shed at admission by tenant

hutch_resource_violations_total{tenant, action}:
  - Type: Counter
  - Description: Resource violations by tenant and enforcement action

API Metrics:

hutch_api_requests_total{method, status}:
  - Type: Counter
  - Description: API requests by method plus matched route, and HTTP status
  - Example: hutch_api_requests_total{method="POST /api/v1/services",status="200"} 100

hutch_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds
  - Buckets: 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10

hutch_op_duration_seconds{op}:
  - Type: Histogram
  - Description: Kernel operation duration (deploy, kill, swap, verify)

# Usage Patterns

Incrementing Counters:

	metrics.DeploysTotal.WithLabelValues("deployed").Inc()
	metrics.EventsDroppedTotal.Inc()

Setting Gauges:

	metrics.EventQueueDepth.Set(float64(len(writeCh)))
	metrics.BreakerState.WithLabelValues("acme", "billing").Set(2)

Using Timer with Labels:

	timer := metrics.NewTimer()
	result := deployer.Deploy(ctx, spec)
	timer.ObserveDurationVec(metrics.OpDuration, "deploy")

Running the Collector:

	collector := metrics.NewCollector(registry, admission, log)
	collector.Start()
	defer collector.Stop()

Exposing Metrics:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

# Best Practices

Label Cardinality:
  - Keep label values bounded (tenant names, not request ids)
  - Per-service labels only on the breaker gauge

Gauge Sampling:
  - Prefer the collector over scattered Set calls for derived values
  - Directly-set gauges (queue depth) are owned by exactly one writer

Timer Pattern:
  - Create timer at operation start
  - Observe once, at the end, on all return paths
*/
package metrics
