// Package storage persists the last-notified snapshot per monitored account.
//
// The store is deliberately tiny: one row/entry per account id, overwritten on
// every commit. Drivers:
//   - "memory": process-local map (default; read-your-writes, lost on restart)
//   - "file":   single JSON document, atomic rename on write
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
package storage
