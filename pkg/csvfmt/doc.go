// Package csvfmt implements the flat-file row encoding used by the audit logs:
// every cell is always quoted, and the quote character, delimiter and line
// terminator are configurable.
package csvfmt
