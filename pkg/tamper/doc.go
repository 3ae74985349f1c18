// Package tamper makes flat-file audit logs tamper-evident. Every data row is
// bound to its predecessor by a ratcheted HMAC, and signature rows covering
// all rows since the previous signature are injected periodically, so that a
// replay of the log detects modified, removed or reordered rows.
package tamper
