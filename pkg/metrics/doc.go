/*
Package metrics provides Prometheus instrumentation for the orchestrator.

All collectors are package-level variables registered once via Register().
The pool governor, stage engine, applier, and janitor update them directly;
Serve() exposes the standard /metrics endpoint for scraping during a run.

Collectors:

  - docsmith_documents_total (gauge, by status)
  - docsmith_executions_total (counter, by terminal status)
  - docsmith_stage_duration_seconds (histogram, by stage)
  - docsmith_stage_retries_total (counter, by stage)
  - docsmith_pool_* (gauges and counters for the worker pool governor)
  - docsmith_memory_percent / docsmith_cpu_percent (sampled resources)
  - docsmith_leases_expired_total / docsmith_stale_executions_total (janitor)
  - docsmith_ops_requests_total (counter, by type and outcome)

The Timer helper wraps start/observe for histogram timings:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StageDuration.WithLabelValues(string(stageID)))
*/
package metrics
