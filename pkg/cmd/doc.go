// Package cmd implements the csvaudit command line: the serve command that
// runs the HTTP API, and publish, query, read and verify commands that work
// on the audit log directory directly.
package cmd
