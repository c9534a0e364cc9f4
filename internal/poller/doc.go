// Package poller implements the Polling Fallback component.
//
// The Polling Fallback:
//   - Runs only when the stream connection has given up (or is disabled)
//   - Fetches active runs and queue stats on a fixed interval
//   - Feeds results into the same registry path as the push stream
//   - Survives individual failed cycles; the next tick retries
package poller
