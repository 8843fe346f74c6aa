// Package runtime implements the sandbox side of the bridge: the isolated
// process hosting the embedding model and the similarity index. It is
// reachable only through protocol messages on its session subject; nothing
// in here shares memory with a host.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/pkg/embedding"
	"github.com/c360/embedbridge/pkg/worker"
	"github.com/c360/embedbridge/protocol"
	"github.com/c360/embedbridge/transport"
)

// Config configures a sandbox runtime.
type Config struct {
	// BaseSubject is the session subject the runtime serves.
	BaseSubject string

	// InferenceURL is the OpenAI-compatible endpoint of the local
	// inference server. Empty disables the accelerated backend entirely.
	InferenceURL string

	// Model is the embedding model requested from the inference server.
	Model string

	// Dimensions sets the fallback embedder's vector width (default 384).
	Dimensions int

	// ProbeTimeout bounds the startup probe of the inference server
	// (default 5s).
	ProbeTimeout time.Duration

	// Workers bounds concurrent request handling (default 4).
	Workers int

	// QueueSize bounds requests waiting for a worker (default 64).
	QueueSize int

	// Logger for runtime events (optional, defaults to slog.Default()).
	Logger *slog.Logger
}

// Runtime serves protocol requests for one sandbox session.
type Runtime struct {
	cfg       Config
	tr        transport.Transport
	logger    *slog.Logger
	sessionID string
	startedAt time.Time

	backend  protocol.Backend
	embedder embedding.Embedder
	index    *Index
	pool     *worker.Pool[protocol.Request]

	sub transport.Subscription

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	started  bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a runtime. Start must be called before it serves anything.
func New(tr transport.Transport, cfg Config) (*Runtime, error) {
	if cfg.BaseSubject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Runtime", "New", "base subject")
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:      cfg,
		tr:       tr,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, r.serve)
	return r, nil
}

// Start selects a backend, builds the index, subscribes to the session
// subject, and broadcasts readiness exactly once.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	r.sessionID = uuid.NewString()
	r.startedAt = time.Now()
	r.baseCtx, r.cancelBase = context.WithCancel(context.Background())

	r.selectBackend(ctx)

	index, err := NewIndex()
	if err != nil {
		return err
	}
	r.index = index
	r.pool.Start(r.baseCtx)

	sub, err := r.tr.Subscribe(protocol.RequestSubject(r.cfg.BaseSubject), r.handleMessage)
	if err != nil {
		return errors.WrapTransient(err, "Runtime", "Start", "subscribe")
	}
	r.sub = sub

	ready, err := json.Marshal(protocol.ReadyEvent{SessionID: r.sessionID, Backend: r.backend})
	if err != nil {
		return errors.WrapFatal(err, "Runtime", "Start", "marshal ready event")
	}
	if err := r.tr.Publish(protocol.ReadySubject(r.cfg.BaseSubject), ready); err != nil {
		return errors.WrapTransient(err, "Runtime", "Start", "broadcast ready")
	}

	r.logger.Info("sandbox runtime ready",
		"session_id", r.sessionID,
		"backend", string(r.backend),
		"model", r.embedder.Model(),
		"subject", r.cfg.BaseSubject)
	return nil
}

// selectBackend probes the inference server and falls back to the lexical
// embedder when it does not answer.
func (r *Runtime) selectBackend(ctx context.Context) {
	if r.cfg.InferenceURL != "" {
		httpEmb, err := embedding.NewHTTPEmbedder(embedding.HTTPConfig{
			BaseURL: r.cfg.InferenceURL,
			Model:   r.cfg.Model,
		})
		if err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			err = httpEmb.Probe(probeCtx)
			cancel()
			if err == nil {
				r.embedder = httpEmb
				r.backend = protocol.BackendAccelerated
				return
			}
		}
		r.logger.Warn("inference server unavailable, using CPU fallback",
			"url", r.cfg.InferenceURL, "error", err)
	}

	r.embedder = embedding.NewLexicalEmbedder(embedding.LexicalConfig{Dimensions: r.cfg.Dimensions})
	r.backend = protocol.BackendCPUFallback
}

// Stop unsubscribes, aborts in-flight work, and releases the embedder.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}
	r.mu.Unlock()

	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.cancelBase != nil {
		r.cancelBase()
	}
	_ = r.pool.Stop(2 * time.Second)
	if r.embedder != nil {
		_ = r.embedder.Close()
	}
	r.logger.Info("sandbox runtime stopped", "session_id", r.sessionID)
}

// SessionID returns the runtime's session id.
func (r *Runtime) SessionID() string {
	return r.sessionID
}

// Backend returns the negotiated backend.
func (r *Runtime) Backend() protocol.Backend {
	return r.backend
}

// handleMessage decodes one request and hands it to the worker pool, so
// a slow embed never blocks a liveness probe.
func (r *Runtime) handleMessage(_ string, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		// Try to salvage enough of the envelope to answer; otherwise the
		// message is dropped and the sender times out.
		var raw protocol.Request
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil && raw.RequestID != "" && raw.Reply != "" {
			r.respond(raw.Reply, protocol.ErrResponse(raw.RequestID, err))
			return
		}
		r.logger.Warn("dropping undecodable request", "error", err)
		return
	}

	// Control messages bypass the pool: a saturated sandbox must still
	// answer probes, establish sessions, and honor cancellations.
	switch req.Type {
	case protocol.TypePing, protocol.TypeInit, protocol.TypeCancel:
		go r.serve(r.baseCtx, req)
		return
	}

	if err := r.pool.Submit(req); err != nil {
		r.respond(req.Reply, protocol.ErrResponse(req.RequestID,
			errors.WrapTransient(err, "Runtime", "handleMessage", "accept request")))
	}
}

func (r *Runtime) serve(ctx context.Context, req protocol.Request) {
	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.inflight[req.RequestID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.inflight, req.RequestID)
		r.mu.Unlock()
	}()

	resp := r.dispatch(taskCtx, req)
	r.respond(req.Reply, resp)
}

// dispatch switches exhaustively over the closed request-type set.
func (r *Runtime) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.TypeInit:
		return r.okOr(req.RequestID, protocol.InitResult{
			SessionID:  r.sessionID,
			Backend:    r.backend,
			Model:      r.embedder.Model(),
			Dimensions: r.embedder.Dimensions(),
		})

	case protocol.TypePing:
		return r.okOr(req.RequestID, protocol.Ack{})

	case protocol.TypeEmbed:
		return r.handleEmbed(ctx, req)

	case protocol.TypeTokenize:
		return r.handleTokenize(req)

	case protocol.TypePreload:
		return r.handlePreload(ctx, req)

	case protocol.TypeStatus:
		return r.okOr(req.RequestID, protocol.StatusResult{
			SessionID:  r.sessionID,
			Backend:    r.backend,
			Model:      r.embedder.Model(),
			Dimensions: r.embedder.Dimensions(),
			IndexSize:  r.index.Count(),
			UptimeSecs: int64(time.Since(r.startedAt).Seconds()),
		})

	case protocol.TypeCancel:
		return r.handleCancel(req)

	case protocol.TypeVectorAdd:
		return r.handleVectorAdd(ctx, req)

	case protocol.TypeVectorSearch:
		return r.handleVectorSearch(ctx, req)

	case protocol.TypeVectorSerialize:
		blob, err := r.index.Serialize()
		if err != nil {
			return protocol.ErrResponse(req.RequestID, err)
		}
		return r.okOr(req.RequestID, protocol.SerializeResult{Blob: blob})

	case protocol.TypeVectorLoad:
		var p protocol.VectorLoadPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return protocol.ErrResponse(req.RequestID, errors.WrapInvalid(err, "Runtime", "dispatch", "parse load payload"))
		}
		if err := r.index.Load(p.Blob); err != nil {
			return protocol.ErrResponse(req.RequestID, err)
		}
		return r.okOr(req.RequestID, protocol.Ack{})
	}

	// Unreachable: DecodeRequest already rejected unknown tags.
	return protocol.ErrResponse(req.RequestID,
		errors.WrapInvalid(errors.ErrUnknownRequest, "Runtime", "dispatch", string(req.Type)))
}

func (r *Runtime) handleEmbed(ctx context.Context, req protocol.Request) protocol.Response {
	var p protocol.EmbedPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapInvalid(err, "Runtime", "handleEmbed", "parse payload"))
	}
	if len(p.Texts) == 0 {
		return protocol.ErrResponse(req.RequestID,
			errors.WrapInvalid(errors.ErrEmptyInput, "Runtime", "handleEmbed", "no texts"))
	}

	vectors, err := r.embedder.Generate(ctx, p.Texts)
	if err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapApplication(err, "Runtime", "handleEmbed", "generate"))
	}
	return r.okOr(req.RequestID, protocol.EmbedResult{Vectors: vectors})
}

func (r *Runtime) handleTokenize(req protocol.Request) protocol.Response {
	var p protocol.TokenizePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapInvalid(err, "Runtime", "handleTokenize", "parse payload"))
	}
	tokens := embedding.Tokenize(p.Text)
	return r.okOr(req.RequestID, protocol.TokenizeResult{Tokens: tokens, Count: len(tokens)})
}

func (r *Runtime) handlePreload(ctx context.Context, req protocol.Request) protocol.Response {
	var p protocol.PreloadPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapInvalid(err, "Runtime", "handlePreload", "parse payload"))
	}
	// Warming is a real embedding of a trivial input; the model load it
	// triggers is the point.
	if _, err := r.embedder.Generate(ctx, []string{"warmup"}); err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapApplication(err, "Runtime", "handlePreload", p.Task))
	}
	return r.okOr(req.RequestID, protocol.Ack{})
}

func (r *Runtime) handleCancel(req protocol.Request) protocol.Response {
	var p protocol.CancelPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapInvalid(err, "Runtime", "handleCancel", "parse payload"))
	}

	r.mu.Lock()
	cancel, ok := r.inflight[p.TargetID]
	r.mu.Unlock()
	if ok {
		cancel()
		r.logger.Debug("canceled in-flight request", "target_id", p.TargetID)
	}
	// Cancel acks whether or not the target was still running.
	return r.okOr(req.RequestID, protocol.Ack{})
}

func (r *Runtime) handleVectorAdd(ctx context.Context, req protocol.Request) protocol.Response {
	var p protocol.VectorAddPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapInvalid(err, "Runtime", "handleVectorAdd", "parse payload"))
	}
	if err := r.index.Add(ctx, p.ID, p.Embedding, p.Title, p.SourceURL); err != nil {
		return protocol.ErrResponse(req.RequestID, err)
	}
	return r.okOr(req.RequestID, protocol.Ack{})
}

func (r *Runtime) handleVectorSearch(ctx context.Context, req protocol.Request) protocol.Response {
	var p protocol.VectorSearchPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return protocol.ErrResponse(req.RequestID, errors.WrapInvalid(err, "Runtime", "handleVectorSearch", "parse payload"))
	}
	matches, err := r.index.Search(ctx, p.Embedding, p.Limit)
	if err != nil {
		return protocol.ErrResponse(req.RequestID, err)
	}
	return r.okOr(req.RequestID, protocol.SearchResult{Matches: matches})
}

// okOr builds a success response, degrading to an error response if the
// data cannot be marshaled.
func (r *Runtime) okOr(requestID string, data any) protocol.Response {
	resp, err := protocol.OKResponse(requestID, data)
	if err != nil {
		return protocol.ErrResponse(requestID, err)
	}
	return resp
}

func (r *Runtime) respond(reply string, resp protocol.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		r.logger.Error("encode response failed", "request_id", resp.RequestID, "error", err)
		return
	}
	if err := r.tr.Publish(reply, data); err != nil {
		r.logger.Warn("response publish failed", "request_id", resp.RequestID, "error", err)
	}
}
