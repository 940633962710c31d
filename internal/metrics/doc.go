// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package metrics exposes Prometheus metrics for task scheduling, workflow
execution and checkpoint writes.

Collector registers its vectors on a caller-supplied registry through
promauto.With, so several collectors can coexist in one process and tests
never touch the global registry. It implements the Recorder interfaces of
the scheduler, workflow and checkpoint packages:

  - tasks_total{worker,outcome}, task_duration_seconds{worker}
  - batches_total, batch_size
  - workflow_nodes_total{kind,status}, workflow_node_duration_seconds{kind}
  - workflow_runs_total{status}, workflow_run_duration_seconds
  - checkpoints_total{backend,result}, checkpoint_duration_seconds{backend}

Handler serves the registry for scraping.
*/
package metrics
