// Package naming validates topic names, which double as log file names.
package naming
