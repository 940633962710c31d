// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Command taskflow runs task files and workflow definitions from the shell.

Task files (a top-level "tasks" list) go through the batch scheduler in
parallel, serial or auto mode. Workflow definitions (top-level "nodes" and
"edges") run on the graph engine. Both write checkpoints to the configured
backend, so an interrupted run continues with "taskflow resume".

Two workers are built in. "echo" returns its input and is the default.
"exec" runs the input as a shell command and is selected per task with
"worker: exec".

When metrics.addr is set, Prometheus metrics are served on /metrics for
the lifetime of the run.
*/
package main
