// Package storage is the row-store behind the persistence service.
//
// It keeps two logical tables:
//   - sms: one row per submitted message, keyed by request id
//   - settings: key/value operational settings, keyed by setting name
//
// Drivers: "sqlite" (default), "file", "postgres" and "memory". Every driver
// offers the same upsert/find semantics; writes to the sms table are partial
// patches merged into the stored row.
package storage
