/*
Package metrics exposes Prometheus collectors for the supervision tree.

Collector registers counters, gauges and histograms through promauto on a
caller-supplied prometheus.Registerer, namespaced so several orchestrators can
share one process:

  - spawns by role and factory rejections by error code
  - live agents holding a quota slot
  - status transitions, terminal events and agent lifetimes by role
  - forced finalizations after a cancellation grace period
  - merge latency, leaf token totals, checkpoint hook outcomes
*/
package metrics
