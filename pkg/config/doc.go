// Package config handles configuration loading from YAML files: the HTTP
// server settings, the flat-file audit handler options and the location of
// the topic catalog. FileWatcher reloads them when they change on disk.
package config
