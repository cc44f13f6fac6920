// Package logx is the gateway's logging layer: a zerolog-backed Logger with
// field closures, and a Service whose sinks (console, JSON file, operator
// alerts through a Notifier) can be swapped at runtime with Apply.
//
// Alert delivery is rate limited and never blocks the caller.
package logx
