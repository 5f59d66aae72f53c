// Package dedupe provides a time-based cache that remembers the first result
// produced for a key, so retried requests within a configurable window are
// answered with the original result instead of being processed twice.
package dedupe
