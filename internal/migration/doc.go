/*
Package migration versions the checkpoint schema of the server databases
behind the postgres and mysql checkpoint backends.

The SQL for each dialect is embedded from migrations/<dialect> and applied
with golang-migrate. Apply brings a database up to date and is run when a
server-database checkpoint store is opened; Migrator exposes the remaining
operations (Down, Goto, Force, Status) for the "taskflow migrate" command.
The embedded SQLite store creates its own table and is not migrated here.
*/
package migration
