// Package progress carries harvest lifecycle events from the orchestrator to
// pluggable sinks. Emit never blocks; a background goroutine batches events
// and hands each batch to every sink.
package progress
