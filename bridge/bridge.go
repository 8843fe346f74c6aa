// Package bridge is the public facade over the embedding sandbox: a
// single explicitly constructed service that owns the cache, the RPC
// channel, the sandbox host, and the vector index client, and exposes
// embedding and retrieval operations to the rest of the application.
//
// Nothing here is a singleton. Callers build a Bridge, share it, and
// close it; two bridges over the same transport are two independent
// clients.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/embedbridge/cache"
	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/metric"
	"github.com/c360/embedbridge/pkg/retry"
	"github.com/c360/embedbridge/protocol"
	"github.com/c360/embedbridge/rpc"
	"github.com/c360/embedbridge/sandbox"
	"github.com/c360/embedbridge/transport"
	"github.com/c360/embedbridge/vector"
)

// State is the observable lifecycle state of the bridge's sandbox.
type State int32

const (
	// StateUninitialized means no sandbox exists and none is being made.
	StateUninitialized State = iota
	// StateCreating means a creation sequence is in flight.
	StateCreating
	// StateReady means a live session is serving requests.
	StateReady
	// StateFailed means the last creation attempt failed; the next
	// operation retries from scratch.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a Bridge.
type Config struct {
	// Sandbox configures the host (variant, launcher, timeouts).
	Sandbox sandbox.Config

	// CacheCapacity bounds the embedding cache (default 256 entries).
	CacheCapacity int

	// CachePrefixLen bounds the text prefix used as the cache key.
	CachePrefixLen int

	// RequestTimeout bounds each RPC round trip.
	RequestTimeout time.Duration

	// RetryPolicy governs transport-failure recovery. Zero means the
	// shared default: one forced reinitialization plus one retry.
	RetryPolicy retry.Policy

	// Registerer receives bridge and cache metrics when non-nil.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Bridge is the facade. It implements rpc.Provider by wrapping the
// sandbox host, which is how it observes session transitions and keeps
// the cache honest across backend changes and forced recreations.
type Bridge struct {
	channel *rpc.Channel
	host    *sandbox.Host
	cache   *cache.EmbeddingCache
	vectors *vector.Client
	logger  *slog.Logger
	metrics *metric.BridgeMetrics

	mu            sync.Mutex
	state         State
	lastSessionID string
	closed        bool
}

// New builds and wires a bridge over the given transport. The sandbox is
// not created here; creation is lazy, triggered by the first operation.
func New(tr transport.Transport, cfg Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *metric.BridgeMetrics
	cacheOpts := []cache.Option{}
	if cfg.CacheCapacity > 0 {
		cacheOpts = append(cacheOpts, cache.WithCapacity(cfg.CacheCapacity))
	}
	if cfg.CachePrefixLen > 0 {
		cacheOpts = append(cacheOpts, cache.WithPrefixLen(cfg.CachePrefixLen))
	}
	if cfg.Registerer != nil {
		m, err := metric.NewBridgeMetrics(cfg.Registerer)
		if err != nil {
			return nil, err
		}
		metrics = m
		cacheOpts = append(cacheOpts, cache.WithMetrics(cfg.Registerer, "embedbridge"))
	}

	embCache, err := cache.New(cacheOpts...)
	if err != nil {
		return nil, err
	}

	chOpts := []rpc.Option{rpc.WithLogger(logger), rpc.WithMetrics(metrics)}
	if cfg.RequestTimeout > 0 {
		chOpts = append(chOpts, rpc.WithTimeout(cfg.RequestTimeout))
	}
	if cfg.RetryPolicy.MaxAttempts > 0 {
		chOpts = append(chOpts, rpc.WithRetryPolicy(cfg.RetryPolicy))
	}
	channel, err := rpc.NewChannel(tr, chOpts...)
	if err != nil {
		return nil, err
	}

	sandboxCfg := cfg.Sandbox
	if sandboxCfg.Logger == nil {
		sandboxCfg.Logger = logger
	}
	if sandboxCfg.Metrics == nil {
		sandboxCfg.Metrics = metrics
	}
	host, err := sandbox.NewHost(tr, channel, sandboxCfg)
	if err != nil {
		channel.Close()
		return nil, err
	}

	b := &Bridge{
		channel: channel,
		host:    host,
		cache:   embCache,
		logger:  logger,
		metrics: metrics,
		state:   StateUninitialized,
	}
	b.vectors = vector.NewClient(channel)
	channel.Bind(b)
	return b, nil
}

// Ensure implements rpc.Provider. The bridge interposes on the host so it
// can track lifecycle state and invalidate cached embeddings the moment a
// new session replaces the one that produced them.
func (b *Bridge) Ensure(ctx context.Context) (rpc.Session, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return rpc.Session{}, errors.ErrSandboxClosed
	}
	if b.state != StateReady {
		b.state = StateCreating
	}
	b.mu.Unlock()

	sess, err := b.host.Ensure(ctx)
	if err != nil {
		b.mu.Lock()
		b.state = StateFailed
		b.mu.Unlock()
		return rpc.Session{}, err
	}

	b.observe(sess)
	return sess, nil
}

// Invalidate implements rpc.Provider. Cached embeddings go with the
// session: a recreated sandbox may negotiate a different backend, and
// stale vectors from the old one must not leak through the cache.
func (b *Bridge) Invalidate() {
	b.host.Invalidate()
	b.cache.Reset()
	b.mu.Lock()
	if !b.closed {
		b.state = StateUninitialized
	}
	b.lastSessionID = ""
	b.mu.Unlock()
}

// observe records a live session and keys the cache to its backend.
func (b *Bridge) observe(sess rpc.Session) {
	b.mu.Lock()
	recreated := b.lastSessionID != "" && b.lastSessionID != sess.ID
	b.lastSessionID = sess.ID
	b.state = StateReady
	b.mu.Unlock()

	if recreated {
		b.cache.Reset()
	}
	b.cache.Retag(string(sess.Backend) + "/" + sess.Model)
}

// State reports the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Session returns the live session, if any.
func (b *Bridge) Session() (rpc.Session, bool) {
	return b.host.Session()
}

// CacheStats returns embedding cache counters.
func (b *Bridge) CacheStats() cache.Stats {
	return b.cache.Stats()
}

// Vectors exposes the sandbox index client for callers that manage their
// own embeddings.
func (b *Bridge) Vectors() *vector.Client {
	return b.vectors
}

// Embed returns the embedding of one text, serving repeats from the
// cache. isQuery selects the query-side encoding for asymmetric models
// and keys the cache separately from passage embeddings.
func (b *Bridge) Embed(ctx context.Context, text string, isQuery bool) ([]float32, error) {
	if text == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyInput, "Bridge", "Embed", "text")
	}

	if vec, ok := b.cache.Get(isQuery, text); ok {
		return vec, nil
	}

	vecs, err := b.embedRemote(ctx, []string{text}, isQuery)
	if err != nil {
		return nil, err
	}
	b.cache.Put(isQuery, text, vecs[0])
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one round trip, serving whatever it
// can from the cache and fetching only the misses. Results come back in
// input order.
func (b *Bridge) EmbedBatch(ctx context.Context, texts []string, isQuery bool) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyInput, "Bridge", "EmbedBatch", "texts")
	}
	for i, t := range texts {
		if t == "" {
			return nil, errors.WrapInvalid(errors.ErrEmptyInput, "Bridge", "EmbedBatch",
				fmt.Sprintf("text %d", i))
		}
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingAt []int
	for i, t := range texts {
		if vec, ok := b.cache.Get(isQuery, t); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		missingAt = append(missingAt, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := b.embedRemote(ctx, missing, isQuery)
	if err != nil {
		return nil, err
	}
	for j, i := range missingAt {
		out[i] = vecs[j]
		b.cache.Put(isQuery, texts[i], vecs[j])
	}
	return out, nil
}

func (b *Bridge) embedRemote(ctx context.Context, texts []string, isQuery bool) ([][]float32, error) {
	data, err := b.channel.Call(ctx, protocol.TypeEmbed, protocol.EmbedPayload{
		Texts:   texts,
		IsQuery: isQuery,
	})
	if err != nil {
		return nil, err
	}

	var res protocol.EmbedResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.WrapInvalid(err, "Bridge", "embedRemote", "decode result")
	}
	if len(res.Vectors) != len(texts) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("asked for %d vectors, got %d", len(texts), len(res.Vectors)),
			"Bridge", "embedRemote", "vector count")
	}
	return res.Vectors, nil
}

// Tokenize returns the tokens of one text.
func (b *Bridge) Tokenize(ctx context.Context, text string) ([]string, error) {
	if text == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyInput, "Bridge", "Tokenize", "text")
	}

	data, err := b.channel.Call(ctx, protocol.TypeTokenize, protocol.TokenizePayload{Text: text})
	if err != nil {
		return nil, err
	}

	var res protocol.TokenizeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.WrapInvalid(err, "Bridge", "Tokenize", "decode result")
	}
	return res.Tokens, nil
}

// Preload warms the named unit of model work ahead of first use. It is
// advisory: a failure is logged, not surfaced, because the work will
// simply happen lazily on first demand instead.
func (b *Bridge) Preload(ctx context.Context, task string) {
	if task == "" {
		return
	}
	if _, err := b.channel.Call(ctx, protocol.TypePreload, protocol.PreloadPayload{Task: task}); err != nil {
		b.logger.Warn("preload failed", "task", task, "error", err)
	}
}

// Status reports the live sandbox's runtime state, creating the sandbox
// if none exists.
func (b *Bridge) Status(ctx context.Context) (protocol.StatusResult, error) {
	data, err := b.channel.Call(ctx, protocol.TypeStatus, nil)
	if err != nil {
		return protocol.StatusResult{}, err
	}

	var res protocol.StatusResult
	if err := json.Unmarshal(data, &res); err != nil {
		return protocol.StatusResult{}, errors.WrapInvalid(err, "Bridge", "Status", "decode result")
	}
	return res, nil
}

// IndexText embeds a passage and inserts it into the sandbox index under
// the given id.
func (b *Bridge) IndexText(ctx context.Context, id, text, title, sourceURL string) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrEmptyInput, "Bridge", "IndexText", "id")
	}

	vec, err := b.Embed(ctx, text, false)
	if err != nil {
		return err
	}
	return b.vectors.Add(ctx, vector.Record{
		ID:        id,
		Embedding: vec,
		Title:     title,
		SourceURL: sourceURL,
	})
}

// SearchText embeds a query and returns the most similar indexed records.
func (b *Bridge) SearchText(ctx context.Context, query string, limit int) ([]protocol.Match, error) {
	vec, err := b.Embed(ctx, query, true)
	if err != nil {
		return nil, err
	}
	return b.vectors.Search(ctx, vec, limit)
}

// SerializeIndex exports the sandbox index for persistence.
func (b *Bridge) SerializeIndex(ctx context.Context) ([]byte, error) {
	return b.vectors.Serialize(ctx)
}

// LoadIndex restores a previously serialized index into the sandbox.
func (b *Bridge) LoadIndex(ctx context.Context, blob []byte) error {
	return b.vectors.Load(ctx, blob)
}

// Close tears down the channel and any live sandbox. Operations after
// Close fail with ErrSandboxClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.state = StateUninitialized
	b.mu.Unlock()

	b.channel.Close()
	b.host.Close()
	b.logger.Info("bridge closed")
}
