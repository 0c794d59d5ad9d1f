// Package progress carries session lifecycle events (submissions, applied
// snapshots, poll failures, terminal outcomes) from the poller, store, and
// session controller to pluggable sinks. Emit never blocks; a background
// goroutine batches events and fans them out to sinks such as the zap log
// sink or Prometheus collectors.
package progress
