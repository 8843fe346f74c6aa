// Package retry provides configurable backoff retry for transient failures.
//
// # Overview
//
// A single retry mechanism serves every caller that needs one: the RPC
// channel's transport recovery, the shared-sandbox liveness probe, and any
// startup code waiting on external resources. Policies are plain values, so
// a caller can tune attempts and backoff without new code paths.
//
// # Core Functions
//
//   - Do: execute a function with retry and backoff
//   - DoWithResult: same, returning both result and error
//
// # Policy Presets
//
//   - Default(): 3 attempts, 100ms-5s exponential (ordinary operations)
//   - Transport(): 2 attempts, fixed 250ms (forced reinit + one retry)
//   - Probe(): 20 attempts, fixed 500ms (shared sandbox liveness probe)
//
// Errors wrapped with NonRetryable stop the loop immediately; the RPC
// channel marks sandbox application errors this way so they are never
// retried.
package retry
