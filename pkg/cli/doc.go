// Package cli defines the flags of the serve command, with environment
// variable fallbacks for container deployments.
package cli
