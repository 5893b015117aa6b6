// Package oracle is the text-in, text-out transport to the reasoning
// service. It owns rate limiting, retry with backoff, and the per-invoke
// latency budget. It knows nothing about stages or schemas.
package oracle

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zen-systems/gdprcheck/pkg/adapter"
	"github.com/zen-systems/gdprcheck/pkg/artifact"
	"github.com/zen-systems/gdprcheck/pkg/metrics"
)

// Invoker is the contract the rest of the system depends on.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (*Reply, error)
}

// Reply is a successful oracle response.
type Reply struct {
	Text     string
	Artifact *artifact.Artifact
	Usage    adapter.Usage
	Attempts int
}

// RetryPolicy bounds how hard Invoke tries.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Budget caps the total latency of one Invoke, backoff included.
	Budget time.Duration
	// CallTimeout caps a single provider call.
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts with 500ms..8s backoff within 90s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  8 * time.Second,
		Budget:      90 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

// Client invokes one adapter/model pair.
type Client struct {
	adapter adapter.Adapter
	model   string
	limiter Limiter
	policy  RetryPolicy
	logger  *zap.SugaredLogger
	jitter  func(time.Duration) time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter sets the shared rate limiter.
func WithLimiter(l Limiter) Option {
	return func(c *Client) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithJitter replaces the backoff jitter function.
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(c *Client) {
		if fn != nil {
			c.jitter = fn
		}
	}
}

// NewClient creates a client for the adapter. An empty model selects the
// adapter's default.
func NewClient(a adapter.Adapter, model string, opts ...Option) (*Client, error) {
	if a == nil {
		return nil, errors.New("adapter is required")
	}
	if model == "" {
		model = adapter.DefaultModel(a)
	}
	if model == "" {
		return nil, errors.Newf("adapter %s advertises no models", a.Name())
	}
	c := &Client{
		adapter: a,
		model:   model,
		limiter: NopLimiter{},
		policy:  DefaultRetryPolicy(),
		logger:  zap.NewNop().Sugar(),
		jitter:  fullJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.MaxAttempts < 1 {
		c.policy.MaxAttempts = 1
	}
	return c, nil
}

// Adapter returns the adapter name.
func (c *Client) Adapter() string { return c.adapter.Name() }

// Model returns the model name.
func (c *Client) Model() string { return c.model }

// Invoke sends prompt and returns the raw text. Transient failures are
// retried with exponential backoff and jitter until MaxAttempts or Budget
// is exhausted, then surfaced as *TransientError. Anything else is
// surfaced immediately as *FatalError.
func (c *Client) Invoke(ctx context.Context, prompt string) (*Reply, error) {
	if c.policy.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.Budget)
		defer cancel()
	}

	var lastErr error
	attempt := 0
	for attempt < c.policy.MaxAttempts {
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = errors.Wrap(err, "rate limiter")
			metrics.OracleAttempts.WithLabelValues(c.adapter.Name(), "limited").Inc()
			break
		}

		resp, err := c.call(ctx, prompt)
		if err == nil {
			metrics.OracleAttempts.WithLabelValues(c.adapter.Name(), "ok").Inc()
			reply := &Reply{Text: resp.Text(), Artifact: resp.Artifact, Attempts: attempt}
			if resp.Usage != nil {
				reply.Usage = resp.Usage.Normalize()
			}
			return reply, nil
		}

		lastErr = err
		if !adapter.IsTransient(err) {
			if ctx.Err() != nil {
				break
			}
			metrics.OracleAttempts.WithLabelValues(c.adapter.Name(), "fatal").Inc()
			c.logger.Warnw("oracle call rejected", "adapter", c.adapter.Name(), "model", c.model, "attempt", attempt, "error", err)
			return nil, &FatalError{Err: err}
		}

		metrics.OracleAttempts.WithLabelValues(c.adapter.Name(), "transient").Inc()
		if attempt == c.policy.MaxAttempts {
			break
		}
		backoff := c.jitter(computeBackoff(c.policy.BaseBackoff, c.policy.MaxBackoff, attempt-1))
		c.logger.Debugw("oracle call failed, backing off",
			"adapter", c.adapter.Name(), "attempt", attempt, "backoff", backoff, "error", err)
		if err := sleepWithContext(ctx, backoff); err != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("oracle call failed")
	}
	if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
		lastErr = errors.WithSecondaryError(ctx.Err(), lastErr)
	}
	return nil, &TransientError{Attempts: attempt, Err: lastErr}
}

func (c *Client) call(ctx context.Context, prompt string) (*adapter.Response, error) {
	if c.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.CallTimeout)
		defer cancel()
	}
	resp, err := c.adapter.Generate(ctx, c.model, prompt)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Artifact == nil {
		return nil, adapter.Wrap(c.adapter.Name(), 502, "", errors.New("empty response"))
	}
	return resp, nil
}

func computeBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
