// Package sandbox manages the lifecycle of the out-of-process embedding
// runtime. The host creates a sandbox lazily on first use, hands out the
// live session to the RPC layer, and recreates the sandbox after a
// transport failure invalidates it.
//
// Two variants exist. The managed variant spawns its own daemon process
// and owns its lifetime; it is preferred because teardown is under the
// host's control. The surface-less shared variant attaches to a single
// well-known sandbox it cannot spawn or kill, and discovers readiness by
// probing.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/metric"
	"github.com/c360/embedbridge/pkg/retry"
	"github.com/c360/embedbridge/protocol"
	"github.com/c360/embedbridge/rpc"
	"github.com/c360/embedbridge/transport"
)

// Variant selects how the host obtains a sandbox.
type Variant string

const (
	// VariantManaged spawns and owns a dedicated sandbox process.
	VariantManaged Variant = "managed"
	// VariantShared attaches to an externally managed sandbox on the
	// well-known shared subject.
	VariantShared Variant = "shared"
)

// Default lifecycle bounds.
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultInitTimeout  = 30 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// Config configures a Host.
type Config struct {
	// Variant selects managed or shared operation. Empty means: managed
	// when a Launcher is present, shared otherwise.
	Variant Variant

	// Launcher spawns managed sandboxes. Required for VariantManaged.
	Launcher Launcher

	// SharedSubject overrides the well-known subject of the shared
	// sandbox. Defaults to protocol.SharedBase.
	SharedSubject string

	// ReadyTimeout bounds the wait for a managed sandbox's ready
	// broadcast after spawning.
	ReadyTimeout time.Duration

	// InitTimeout bounds the INIT round trip issued once per session.
	InitTimeout time.Duration

	// ProbePolicy paces the shared-variant liveness probe.
	ProbePolicy retry.Policy

	// ProbeTimeout bounds each individual liveness ping.
	ProbeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metric.BridgeMetrics
}

// DetectVariant picks the variant the environment supports: managed when
// a launcher is available, shared otherwise.
func DetectVariant(l Launcher) Variant {
	if l != nil {
		return VariantManaged
	}
	return VariantShared
}

// creation is one in-flight sandbox creation sequence. Concurrent Ensure
// callers during creation all wait on the same entry, so N callers racing
// on a cold host produce exactly one sandbox.
type creation struct {
	done chan struct{}
	sess rpc.Session
	err  error
}

// Host lazily creates sandbox sessions and implements rpc.Provider.
type Host struct {
	tr      transport.Transport
	channel *rpc.Channel
	cfg     Config
	logger  *slog.Logger
	metrics *metric.BridgeMetrics

	mu       sync.Mutex
	sess     rpc.Session
	ready    bool
	creating *creation
	proc     Process
	gen      uint64

	creations atomic.Int64
}

// NewHost builds a host over the given transport and RPC channel. The
// channel is used raw (RoundTrip) for INIT and liveness probes, so the
// host never recurses into its own readiness path.
func NewHost(tr transport.Transport, ch *rpc.Channel, cfg Config) (*Host, error) {
	if cfg.Variant == "" {
		cfg.Variant = DetectVariant(cfg.Launcher)
	}
	if cfg.Variant == VariantManaged && cfg.Launcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Host", "NewHost", "managed variant needs a launcher")
	}
	if cfg.SharedSubject == "" {
		cfg.SharedSubject = protocol.SharedBase
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ProbePolicy.MaxAttempts == 0 {
		cfg.ProbePolicy = retry.Probe()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Host{
		tr:      tr,
		channel: ch,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Variant reports which variant the host runs.
func (h *Host) Variant() Variant {
	return h.cfg.Variant
}

// Ensure returns the live session, creating the sandbox if none exists.
// Concurrent callers during creation share a single creation sequence;
// exactly one sandbox and one INIT result from any burst of cold calls.
func (h *Host) Ensure(ctx context.Context) (rpc.Session, error) {
	h.mu.Lock()
	if h.ready {
		sess := h.sess
		h.mu.Unlock()
		return sess, nil
	}
	if cr := h.creating; cr != nil {
		h.mu.Unlock()
		select {
		case <-cr.done:
			return cr.sess, cr.err
		case <-ctx.Done():
			return rpc.Session{}, fmt.Errorf("%w while awaiting sandbox creation: %v",
				errors.ErrRequestCanceled, ctx.Err())
		}
	}

	cr := &creation{done: make(chan struct{})}
	h.creating = cr
	gen := h.gen
	h.mu.Unlock()

	sess, proc, err := h.create(ctx)

	h.mu.Lock()
	if err == nil && gen != h.gen {
		// Invalidated mid-creation: the process gets stopped below, so
		// handing out its session would point every waiter at a dead
		// sandbox. Fail transient instead; the retry path re-enters Ensure.
		sess = rpc.Session{}
		err = errors.WrapTransient(errors.ErrNotReady, "Host", "Ensure",
			"sandbox invalidated during creation")
	}
	cr.sess, cr.err = sess, err
	h.creating = nil
	if err == nil {
		h.sess = sess
		h.ready = true
		h.proc = proc
	} else if proc != nil {
		// Failed or orphaned: the process has no owner.
		defer func() { _ = proc.Stop() }()
	}
	h.mu.Unlock()
	close(cr.done)

	return sess, err
}

// Invalidate discards cached readiness so the next Ensure creates a fresh
// sandbox. A managed process is torn down; a shared sandbox is merely
// forgotten and re-probed on the next Ensure.
func (h *Host) Invalidate() {
	h.mu.Lock()
	proc := h.proc
	h.proc = nil
	h.ready = false
	h.sess = rpc.Session{}
	h.gen++
	h.mu.Unlock()

	if proc != nil {
		_ = proc.Stop()
	}
}

// Session returns the current session, if one is ready.
func (h *Host) Session() (rpc.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess, h.ready
}

// Creations reports how many sandboxes this host has created.
func (h *Host) Creations() int64 {
	return h.creations.Load()
}

// Close tears down any live sandbox.
func (h *Host) Close() {
	h.Invalidate()
}

func (h *Host) create(ctx context.Context) (rpc.Session, Process, error) {
	var (
		base string
		proc Process
		err  error
	)
	switch h.cfg.Variant {
	case VariantManaged:
		base, proc, err = h.spawn(ctx)
	case VariantShared:
		base, err = h.attach(ctx)
	default:
		return rpc.Session{}, nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Host", "create",
			"unknown variant "+string(h.cfg.Variant))
	}
	if err != nil {
		return rpc.Session{}, nil, err
	}

	sess, err := h.initialize(ctx, base)
	if err != nil {
		if proc != nil {
			_ = proc.Stop()
		}
		return rpc.Session{}, nil, err
	}

	h.creations.Add(1)
	h.metrics.SandboxCreated()
	h.logger.Info("sandbox session established",
		"variant", string(h.cfg.Variant),
		"session_id", sess.ID,
		"backend", string(sess.Backend),
		"model", sess.Model)
	return sess, proc, nil
}

// spawn launches a dedicated sandbox on a fresh subject and waits for its
// one-time ready broadcast.
func (h *Host) spawn(ctx context.Context) (string, Process, error) {
	base := "embedbox.sandbox." + uuid.NewString()

	readyCh := make(chan protocol.ReadyEvent, 1)
	sub, err := h.tr.Subscribe(protocol.ReadySubject(base), func(_ string, data []byte) {
		var ev protocol.ReadyEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			h.logger.Warn("dropping malformed ready event", "error", err)
			return
		}
		select {
		case readyCh <- ev:
		default:
		}
	})
	if err != nil {
		return "", nil, errors.WrapTransient(err, "Host", "spawn", "subscribe ready subject")
	}
	defer func() { _ = sub.Unsubscribe() }()

	proc, err := h.cfg.Launcher.Launch(ctx, base)
	if err != nil {
		return "", nil, err
	}

	timer := time.NewTimer(h.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case ev := <-readyCh:
		h.logger.Debug("sandbox ready broadcast received",
			"session_id", ev.SessionID, "backend", string(ev.Backend))
		return base, proc, nil
	case <-timer.C:
		_ = proc.Stop()
		return "", nil, fmt.Errorf("%w: no ready broadcast within %s",
			errors.ErrInitTimeout, h.cfg.ReadyTimeout)
	case <-ctx.Done():
		_ = proc.Stop()
		return "", nil, fmt.Errorf("sandbox spawn canceled: %w", ctx.Err())
	}
}

// attach probes the well-known shared sandbox until it answers a ping.
// There is no ready broadcast to wait for; the shared sandbox may have
// started long before this host.
func (h *Host) attach(ctx context.Context) (string, error) {
	base := h.cfg.SharedSubject

	err := retry.Do(ctx, h.cfg.ProbePolicy, func() error {
		_, err := h.channel.RoundTrip(ctx, base, protocol.TypePing, nil, h.cfg.ProbeTimeout)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: shared sandbox never answered: %v",
			errors.ErrInitTimeout, err)
	}
	return base, nil
}

// initialize issues the single INIT of the session and builds the session
// record from the negotiated backend.
func (h *Host) initialize(ctx context.Context, base string) (rpc.Session, error) {
	data, err := h.channel.RoundTrip(ctx, base, protocol.TypeInit, nil, h.cfg.InitTimeout)
	if err != nil {
		return rpc.Session{}, fmt.Errorf("sandbox init failed: %w", err)
	}

	var res protocol.InitResult
	if err := json.Unmarshal(data, &res); err != nil {
		return rpc.Session{}, errors.WrapInvalid(err, "Host", "initialize", "decode init result")
	}

	return rpc.Session{
		ID:          res.SessionID,
		BaseSubject: base,
		CreatedAt:   time.Now(),
		Backend:     res.Backend,
		Model:       res.Model,
		Dimensions:  res.Dimensions,
	}, nil
}
