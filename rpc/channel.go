// Package rpc turns the connectionless, order-agnostic transport into a
// request/response abstraction. Responses are matched to callers strictly
// by request id; arrival order carries no meaning, and a response whose id
// has no pending entry is discarded, never misapplied to a different
// caller.
package rpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/metric"
	"github.com/c360/embedbridge/pkg/retry"
	"github.com/c360/embedbridge/protocol"
	"github.com/c360/embedbridge/transport"
)

// DefaultTimeout bounds a single request/response round trip. Inference
// and model loads can be slow, so the default is generous.
const DefaultTimeout = 3 * time.Minute

// Session describes one live sandbox instance. The facade exposes it so
// dependent subsystems can detect "the sandbox was recreated since I last
// touched it".
type Session struct {
	ID          string
	BaseSubject string
	CreatedAt   time.Time
	Backend     protocol.Backend
	Model       string
	Dimensions  int
}

// Provider supplies a ready sandbox session on demand. Ensure is
// idempotent: concurrent callers share one creation sequence, and an
// existing ready session is reused. Invalidate discards cached readiness
// after a transport failure so the next Ensure recreates.
type Provider interface {
	Ensure(ctx context.Context) (Session, error)
	Invalidate()
}

// pendingRequest tracks one outbound call awaiting its response. An entry
// is removed exactly once: by the matched response, by timeout, or by
// caller cancellation.
type pendingRequest struct {
	ch       chan protocol.Response
	issuedAt time.Time
}

// Channel correlates outbound requests to inbound responses.
type Channel struct {
	tr       transport.Transport
	provider Provider
	logger   *slog.Logger
	metrics  *metric.BridgeMetrics

	timeout     time.Duration
	retryPolicy retry.Policy

	replySubject string
	replySub     transport.Subscription

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets the per-request response timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// WithRetryPolicy sets the transport-failure retry policy, applied
// uniformly regardless of which sandbox host variant is in play.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Channel) { c.retryPolicy = p }
}

// WithMetrics attaches bridge metrics.
func WithMetrics(m *metric.BridgeMetrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithLogger sets the channel logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// NewChannel creates a channel and subscribes its single shared response
// listener. Bind must be called before Call; RoundTrip works immediately.
func NewChannel(tr transport.Transport, opts ...Option) (*Channel, error) {
	c := &Channel{
		tr:           tr,
		logger:       slog.Default(),
		timeout:      DefaultTimeout,
		retryPolicy:  retry.Transport(),
		replySubject: "embedbox.host." + uuid.NewString(),
		pending:      make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}

	sub, err := tr.Subscribe(c.replySubject, c.handleResponse)
	if err != nil {
		return nil, errors.WrapTransient(err, "Channel", "NewChannel", "subscribe reply subject")
	}
	c.replySub = sub
	return c, nil
}

// Bind attaches the sandbox provider that Call uses for lazy creation and
// forced reinitialization. Separate from construction because the provider
// itself needs the channel for its INIT and PING round trips.
func (c *Channel) Bind(p Provider) {
	c.provider = p
}

// ReplySubject returns the subject the shared response listener owns.
func (c *Channel) ReplySubject() string {
	return c.replySubject
}

// Call ensures the sandbox is ready, performs one round trip, and applies
// the shared retry policy to transport-level failures: readiness is
// invalidated, the sandbox recreated, and the identical request re-sent.
// Application errors, timeouts, and cancellations are never retried.
func (c *Channel) Call(ctx context.Context, typ protocol.RequestType, payload any) (json.RawMessage, error) {
	if c.provider == nil {
		return nil, errors.WrapFatal(errors.ErrNotReady, "Channel", "Call", "no provider bound")
	}

	attempt := 0
	data, err := retry.DoWithResult(ctx, c.retryPolicy, func() (json.RawMessage, error) {
		attempt++
		if attempt > 1 {
			// The previous attempt failed at the transport level; the
			// cached readiness state is no longer trustworthy.
			c.provider.Invalidate()
			c.metrics.RetryAttempt()
		}

		sess, err := c.provider.Ensure(ctx)
		if err != nil {
			if errors.IsTransient(err) {
				return nil, err
			}
			return nil, retry.NonRetryable(err)
		}

		data, err := c.RoundTrip(ctx, sess.BaseSubject, typ, payload, c.timeout)
		if err != nil {
			// Only transport failures re-enter the loop. A timeout means
			// the request was delivered but never answered; retrying it
			// could double-execute sandbox work.
			if errors.IsTransient(err) && !errors.IsTimeout(err) {
				return nil, err
			}
			return nil, retry.NonRetryable(err)
		}
		return data, nil
	})
	if err != nil {
		// Strip the retry wrapper so callers see the sandbox's own error.
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return nil, nre.Err
		}
		return nil, err
	}
	return data, nil
}

// RoundTrip performs a single correlated request/response exchange against
// the given session subject, with no readiness handling and no retries.
// The sandbox host uses it directly for INIT and liveness probes.
func (c *Channel) RoundTrip(ctx context.Context, baseSubject string, typ protocol.RequestType, payload any, timeout time.Duration) (json.RawMessage, error) {
	requestID := uuid.NewString()

	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Channel", "RoundTrip", "marshal payload")
		}
	}

	data, err := protocol.EncodeRequest(protocol.Request{
		Type:      typ,
		RequestID: requestID,
		Reply:     c.replySubject,
		Payload:   raw,
	})
	if err != nil {
		return nil, err
	}

	pending := &pendingRequest{
		ch:       make(chan protocol.Response, 1),
		issuedAt: time.Now(),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrSandboxClosed
	}
	c.pending[requestID] = pending
	c.mu.Unlock()

	c.metrics.RequestSent(string(typ))
	defer c.metrics.RequestDone()

	if err := c.tr.Publish(protocol.RequestSubject(baseSubject), data); err != nil {
		c.take(requestID)
		c.metrics.RequestFailed(errors.ErrorTransient.String())
		return nil, errors.WrapTransient(err, "Channel", "RoundTrip", "publish "+string(typ))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pending.ch:
		if !resp.OK {
			err := resp.Error.AsError()
			c.metrics.RequestFailed(errors.Classify(err).String())
			return nil, err
		}
		return resp.Data, nil

	case <-timer.C:
		// Abandon locally; a late response finds no pending entry and is
		// discarded by the listener.
		c.take(requestID)
		c.metrics.Timeout()
		c.metrics.RequestFailed(errors.ErrorTransient.String())
		return nil, errors.WrapTransient(
			fmt.Errorf("%w after %s", errors.ErrRequestTimeout, timeout),
			"Channel", "RoundTrip", string(typ))

	case <-ctx.Done():
		c.take(requestID)
		// Best effort: tell the sandbox to actually abort the in-flight
		// work rather than merely ignoring its result.
		c.sendCancel(baseSubject, requestID)
		return nil, fmt.Errorf("%w: %v", errors.ErrRequestCanceled, ctx.Err())
	}
}

// sendCancel fires a cancel message with no pending entry; its outcome is
// irrelevant to the already-failed caller.
func (c *Channel) sendCancel(baseSubject, targetID string) {
	raw, err := json.Marshal(protocol.CancelPayload{TargetID: targetID})
	if err != nil {
		return
	}
	data, err := protocol.EncodeRequest(protocol.Request{
		Type:      protocol.TypeCancel,
		RequestID: uuid.NewString(),
		Reply:     c.replySubject,
		Payload:   raw,
	})
	if err != nil {
		return
	}
	if err := c.tr.Publish(protocol.RequestSubject(baseSubject), data); err != nil {
		c.logger.Debug("cancel publish failed", "target_id", targetID, "error", err)
	}
}

// take removes and returns the pending entry for id, or nil if it was
// already settled. All removal paths go through here, which is what makes
// removal exactly-once.
func (c *Channel) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// handleResponse is the single shared response listener.
func (c *Channel) handleResponse(_ string, data []byte) {
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		c.logger.Warn("dropping undecodable response", "error", err)
		return
	}

	p := c.take(resp.RequestID)
	if p == nil {
		// Arrived after timeout, or spurious. Never delivered to a
		// different waiter.
		c.metrics.UnmatchedResponse()
		c.logger.Debug("discarding unmatched response", "request_id", resp.RequestID)
		return
	}
	p.ch <- resp
}

// Pending returns the number of outstanding requests.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close unsubscribes the listener and fails all outstanding requests.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if c.replySub != nil {
		_ = c.replySub.Unsubscribe()
	}
	for id, p := range pending {
		p.ch <- protocol.ErrResponse(id, errors.ErrSandboxClosed)
	}
}
