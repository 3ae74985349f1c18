// Package ratelimit provides per-IP token-bucket rate limiting middleware
// for the Gin HTTP server, with automatic stale-entry cleanup.
package ratelimit
