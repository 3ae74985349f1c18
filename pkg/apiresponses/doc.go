// Package apiresponses provides standardized HTTP API response helpers and
// maps audit service errors onto HTTP status codes.
package apiresponses
