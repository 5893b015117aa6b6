package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/gdprcheck/pkg/adapter"
	"github.com/zen-systems/gdprcheck/pkg/artifact"
)

type scriptedAdapter struct {
	mu    sync.Mutex
	steps []error
	text  string
	calls int
}

func (a *scriptedAdapter) Generate(ctx context.Context, model string, prompt string) (*adapter.Response, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.mu.Unlock()
	if idx < len(a.steps) && a.steps[idx] != nil {
		return nil, a.steps[idx]
	}
	usage := adapter.Usage{PromptTokens: 10, CompletionTokens: 5}
	return &adapter.Response{Artifact: artifact.New(a.text, "scripted", model, prompt), Usage: &usage}, nil
}

func (a *scriptedAdapter) Name() string     { return "scripted" }
func (a *scriptedAdapter) Models() []string { return []string{"scripted-1"} }

type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.waits++
	l.mu.Unlock()
	return ctx.Err()
}

func noJitter(time.Duration) time.Duration { return 0 }

func TestInvokeRetriesTransientErrors(t *testing.T) {
	a := &scriptedAdapter{
		steps: []error{
			adapter.Wrap("scripted", 429, "", errors.New("slow down")),
			adapter.Wrap("scripted", 503, "", errors.New("overloaded")),
		},
		text: "ok",
	}
	limiter := &countingLimiter{}
	c, err := NewClient(a, "", WithLimiter(limiter), WithJitter(noJitter))
	require.NoError(t, err)
	assert.Equal(t, "scripted-1", c.Model())

	reply, err := c.Invoke(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
	assert.Equal(t, 3, reply.Attempts)
	assert.Equal(t, 15, reply.Usage.TotalTokens)
	assert.Equal(t, 3, limiter.waits)
}

func TestInvokeSurfacesTransientAfterMaxAttempts(t *testing.T) {
	transient := adapter.Wrap("scripted", 500, "", errors.New("boom"))
	a := &scriptedAdapter{steps: []error{transient, transient, transient, transient}}
	c, err := NewClient(a, "scripted-1", WithJitter(noJitter))
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), "prompt")
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 3, a.calls)
}

func TestInvokeFatalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", adapter.Wrap("scripted", 401, "", errors.New("bad key"))},
		{"quota", adapter.Wrap("scripted", 429, adapter.CodeQuotaExhausted, errors.New("quota"))},
		{"malformed", adapter.Wrap("scripted", 400, "", errors.New("bad request"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &scriptedAdapter{steps: []error{tt.err}}
			c, err := NewClient(a, "scripted-1", WithJitter(noJitter))
			require.NoError(t, err)

			_, err = c.Invoke(context.Background(), "prompt")
			var fe *FatalError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, 1, a.calls)
		})
	}
}

type blockingAdapter struct{}

func (blockingAdapter) Generate(ctx context.Context, _ string, _ string) (*adapter.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingAdapter) Name() string     { return "blocking" }
func (blockingAdapter) Models() []string { return []string{"blocking-1"} }

func TestInvokeRespectsLatencyBudget(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Budget = 50 * time.Millisecond
	policy.CallTimeout = time.Second
	c, err := NewClient(blockingAdapter{}, "", WithRetryPolicy(policy), WithJitter(noJitter))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Invoke(context.Background(), "prompt")
	elapsed := time.Since(start)

	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, elapsed, time.Second)
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := 350 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, computeBackoff(base, max, 0))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(base, max, 1))
	assert.Equal(t, max, computeBackoff(base, max, 2))
	assert.Equal(t, max, computeBackoff(base, max, 5))
}

func TestFullJitterStaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := fullJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.Equal(t, time.Duration(0), fullJitter(0))
}

func TestRateLimiterServesInArrivalOrder(t *testing.T) {
	l := NewRateLimiter(200, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = l.Wait(ctx)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	assert.Len(t, order, 3)
}

func TestNopLimiterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NopLimiter{}.Wait(ctx), context.Canceled)
}
