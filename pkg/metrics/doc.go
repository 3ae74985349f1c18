// Package metrics defines Prometheus metrics for the audit handler, covering
// the write path, signature injection, queries and configuration reloads.
package metrics
