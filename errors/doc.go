// Package errors provides standardized error handling patterns for embedbridge components.
//
// # Overview
//
// The errors package implements a four-class error classification system for
// the sandbox bridge: Transient (transport-level, retryable), Invalid (bad
// input, non-retryable), Application (the sandbox executed the operation but
// it failed internally, surfaced verbatim), and Fatal (unrecoverable).
//
// This classification drives the retry policy in the RPC channel: only
// transient transport failures trigger forced sandbox reinitialization and
// retry; application errors always reach the caller unmodified.
//
// # Error Classification
//
//   - Transient: delivery failures, missing connection, sandbox not ready (retry recommended)
//   - Invalid: malformed messages, validation failures, bad configuration (do not retry)
//   - Application: dimension mismatches, corrupted index blobs (do not retry, surface verbatim)
//   - Fatal: unrecoverable states (stop processing)
//
// The classification system integrates with Go's standard error handling,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Quick Start
//
//	if _, err := ch.Call(ctx, protocol.TypeEmbed, payload); err != nil {
//	    if errors.IsTransient(err) {
//	        // eligible for the shared retry policy
//	    }
//	}
package errors
