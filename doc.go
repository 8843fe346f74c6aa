// Package embedbridge provides a local inference bridge and semantic
// retrieval engine: embeddings are computed in an isolated out-of-process
// sandbox, cached on the host, and indexed for similarity search, with
// NATS carrying every message between the two sides.
//
// # Architecture
//
// The system is split into a host side and a sandbox side that share
// nothing but the wire protocol:
//
//	┌─────────────────────────────────────┐
//	│            Bridge facade            │  Embed, Tokenize, Status,
//	│      (cache, lifecycle state)       │  IndexText, SearchText
//	└─────────────────────────────────────┘
//	           ↓ request/response
//	┌─────────────────────────────────────┐
//	│            RPC channel              │  Request-id correlation,
//	│   (pending table, retry policy)     │  timeouts, cancellation
//	└─────────────────────────────────────┘
//	           ↓ publish/subscribe
//	┌─────────────────────────────────────┐
//	│         Sandbox host + NATS         │  Lazy creation, managed
//	│    (managed / shared variants)      │  and shared variants
//	└─────────────────────────────────────┘
//	           ↓ serves
//	┌─────────────────────────────────────┐
//	│        Sandbox runtime (daemon)     │  Embedding backends,
//	│     (embedboxd, chromem index)      │  similarity index
//	└─────────────────────────────────────┘
//
// Responses are matched to callers strictly by request id; arrival order
// carries no meaning. The sandbox is created lazily on first use and
// recreated automatically after a transport failure, with the embedding
// cache cleared whenever a new session replaces the one that produced
// its vectors.
//
// # Packages
//
//   - bridge: the public facade applications construct and share
//   - cache: bounded LRU embedding cache keyed by text prefix
//   - rpc: request/response correlation over the connectionless transport
//   - sandbox: host-side lifecycle, spawn and attach variants
//   - sandbox/runtime: the daemon-side request server
//   - vector: client for the sandbox-resident similarity index
//   - checkpoint: JetStream KV persistence for index snapshots
//   - protocol: wire envelopes, payloads, and subject layout
//   - transport: the minimal pub/sub surface plus an in-memory test bus
//   - natsclient: the production NATS connection
package embedbridge
