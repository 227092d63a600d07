// Copyright (c) Knowflow Authors.
// Licensed under the MIT License.

/*
Package metrics provides Prometheus-based metrics collection for the
task, queue, agent, pipeline, cache and database domains.

# Overview

The Collector registers every series with the Registerer handed to
NewCollector, so production code shares prometheus.DefaultRegisterer
while tests construct isolated registries. All series live under a
single configurable namespace and are grouped by labels suitable for
Grafana dashboards and alert rules.

# Series

  - Task: submissions, terminal finishes, retries, duration histogram
    and a per-agent in-flight gauge.
  - Queue: pending depth per backend and priority.
  - Agent: registry size gauge and monitor-detected failures.
  - Pipeline: run totals, per-node duration and per-node failures.
  - Cache: hit and miss counters per cache type.
  - Database: open/idle connection gauges and query duration histogram.
*/
package metrics
