// Package api implements the HTTP API server (Gin-based) of the audit
// handler: publishing, querying, reading and verifying audit events per
// topic, plus health and Prometheus metrics endpoints.
package api
