// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package checkpoint persists snapshots of in-flight executions so that a
workflow or batch run can be resumed after a failure.

# Backends

  - MemoryStore: map-backed, for tests and ephemeral runs
  - FileStore  : one JSON document per checkpoint id, atomic temp+rename writes
  - DBStore    : GORM table indexed on execution_id / timestamp / status
                  (embedded SQLite through glebarez/sqlite, or Postgres/MySQL)
  - RedisStore : record per key plus sorted-set indexes per execution

Records are append-only: a checkpoint id is written once and later
checkpoints for the same execution supersede it. Cleanup keeps the N most
recent records per execution.

# Manager

Manager wraps a Store with an interval policy (ShouldCheckpoint) that
prevents checkpoint storms on tight loops, and answers recovery questions
(LoadLatest, CanResume).
*/
package checkpoint
