/*
Package metrics provides Prometheus metrics collection and exposition for
the host.

All metrics are defined as package-level collectors and registered in
init(), exposed for scraping via Handler(). Instrumentation covers every
core subsystem:

  - Module lifecycle: loads, executions by outcome, traps, gas consumed.
  - VFS: operation counts/latency, open descriptor gauge.
  - Capabilities: check results, grants, revocations.
  - Router: dispatch latency by message type, IPC mailbox depth.
  - Governance: operation counts by kind/result, code-id high watermark,
    registry-size gauges (polled by Collector).
  - Block lifecycle: height, finalize duration, transactions by outcome.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  inline updates     │      periodic sampling              │
	│  (call sites)       │      (Collector, 15s)               │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │        HTTP exposition (promhttp)          │           │
	│  │  /metrics  /health  /ready  /live          │           │
	│  └────────────────────────────────────────────┘           │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VFSOperationDuration, "open")

	metrics.TxProcessed.WithLabelValues("success").Inc()

The health endpoints (HealthHandler, ReadyHandler, LivenessHandler) share
this package so one HTTP mux serves both observability surfaces.
*/
package metrics
