// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains one logical WebSocket connection to the job-update stream
//   - Reconnects with bounded exponential backoff on transient failure
//   - Detects authentication failure (close code 4001) and stops retrying
//   - Falls back to polling once the retry budget is exhausted
//   - Sends an application-level heartbeat while connected
package connection
