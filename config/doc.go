// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

// Package config loads TaskFlow configuration.
//
// Values are resolved from built-in defaults, then an optional YAML file,
// then environment variables named after the struct env tags under a
// prefix (TASKFLOW by default), e.g. TASKFLOW_CHECKPOINT_BACKEND=redis.
// Load validates the result before returning it.
package config
