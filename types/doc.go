// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package types provides the shared data model of the orchestrator.

# Overview

types is the lowest layer of the module and imports no internal package.
scheduler, injection, checkpoint, workflow and coordinator all exchange
tasks, results and errors through the definitions here.

# Core types

  - Task           : unit of work with id, opaque input, dependencies and metadata
  - TaskResult     : single worker outcome (tagged Outcome + payload + latency)
  - ExecutionResult: aggregate of one scheduler run
  - ExecutionMode  : PARALLEL / SERIAL / AUTO
  - Error / ErrorCode: structured error taxonomy (validation, cycle, timeout, ...)
*/
package types
