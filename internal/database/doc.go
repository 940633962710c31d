// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package database opens the relational databases behind the SQL checkpoint
backends.

Open selects a GORM dialector from config.DatabaseConfig (postgres, mysql,
or the pure-Go sqlite driver) and wraps the handle in a Pool that applies
connection limits, runs an optional background health check, and closes
the underlying sql.DB exactly once.
*/
package database
