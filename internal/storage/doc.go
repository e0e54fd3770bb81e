// Package storage persists job definitions, the scheduler checkpoint and the
// operator audit log.
//
// Drivers:
//   - memory: in-process, lost on exit (tests, dry runs)
//   - file: JSON snapshot plus append-only journal, compacted periodically
//   - sqlite: SQLite database file (modernc.org/sqlite, no cgo)
//   - redis: sorted set of ids plus a hash of job JSON
package storage
