// Package output renders command results as JSON, YAML or tables.
package output
