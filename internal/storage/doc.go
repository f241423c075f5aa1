// Package storage persists message schedules and the send log.
//
// The sqlite driver (modernc.org/sqlite, no cgo) is the production store;
// the memory driver exists for tests. Schema lives in migrations.sql and is
// applied idempotently on open.
package storage
