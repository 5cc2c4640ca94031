package retry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autostudy/autostudy/internal/domain"
)

func fastPolicy(attempts int) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
		Kind:        domain.BackoffExponential,
	}
}

// ─── Backoff ────────────────────────────────────────────────────────────────

func TestPolicyDelay_Exponential(t *testing.T) {
	p := domain.RetryPolicy{
		MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 60 * time.Second,
		Multiplier: 2, Kind: domain.BackoffExponential,
	}
	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, p.Delay(n))
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	assert.Equal(t, want, got)

	p.MaxDelay = 10 * time.Second
	assert.Equal(t, 8*time.Second, p.Delay(4))
	p.MaxDelay = 7 * time.Second
	assert.Equal(t, 7*time.Second, p.Delay(4))
	assert.Equal(t, 7*time.Second, p.Delay(5))
	assert.Equal(t, 7*time.Second, p.Delay(500))
}

func TestPolicyDelay_Linear(t *testing.T) {
	p := domain.RetryPolicy{
		MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 7 * time.Second,
		Multiplier: 1.5, Kind: domain.BackoffLinear,
	}
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 6*time.Second, p.Delay(3))
	assert.Equal(t, 7*time.Second, p.Delay(4))
}

func TestJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	d := 10 * time.Second
	for range 2000 {
		j := jitter(rng, d)
		require.GreaterOrEqual(t, j, d/2)
		require.LessOrEqual(t, j, d)
	}
	assert.Zero(t, jitter(rng, 0))
}

func TestDefaultPolicies_UnknownIsMostConservative(t *testing.T) {
	policies := DefaultPolicies()
	require.Len(t, policies, len(domain.PolicyClasses))
	unknown := policies[domain.ClassUnknown]
	for class, p := range policies {
		assert.GreaterOrEqual(t, p.MaxAttempts, unknown.MaxAttempts, class)
		assert.LessOrEqual(t, p.BaseDelay, unknown.BaseDelay, class)
		assert.True(t, p.Jitter, class)
	}
}

// ─── Classification ─────────────────────────────────────────────────────────

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	c := NewController()
	cases := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{"explicit tag", Classified(domain.ClassAuth, errors.New("connection reset")), domain.ClassAuth},
		{"wrapped tag", fmt.Errorf("step: %w", Classified(domain.ClassTemporary, errors.New("x"))), domain.ClassTemporary},
		{"context canceled", fmt.Errorf("fetch: %w", context.Canceled), domain.ClassCancelled},
		{"deadline", context.DeadlineExceeded, domain.ClassCancelled},
		{"conn refused", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, domain.ClassNetwork},
		{"net timeout", timeoutErr{}, domain.ClassNetwork},
		{"disk full", &fs.PathError{Op: "write", Path: "/tmp/x", Err: syscall.ENOSPC}, domain.ClassSystem},
		{"not exist", fmt.Errorf("open: %w", &fs.PathError{Op: "open", Path: "/nope", Err: fs.ErrNotExist}), domain.ClassSystem},
		{"429", errors.New("HTTP 429 Too Many Requests"), domain.ClassRateLimit},
		{"unauthorized", errors.New("401 Unauthorized"), domain.ClassAuth},
		{"keyword network", errors.New("connection closed by remote"), domain.ClassNetwork},
		{"temporary", errors.New("service temporarily unavailable"), domain.ClassTemporary},
		{"unknown", errors.New("element not found on page"), domain.ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.err))
		})
	}
	assert.Equal(t, domain.ErrorClass(""), c.Classify(nil))
}

func TestClassify_CustomClassifierRunsBeforeBuiltins(t *testing.T) {
	c := NewController(WithClassifier(func(err error) (domain.ErrorClass, bool) {
		if errors.Is(err, fs.ErrPermission) {
			return domain.ClassAuth, true
		}
		return "", false
	}))
	assert.Equal(t, domain.ClassAuth, c.Classify(&fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}))
	assert.Equal(t, domain.ClassUnknown, c.Classify(errors.New("strange")))
}

// ─── Execution ──────────────────────────────────────────────────────────────

func TestDo_ExhaustionReturnsOriginalError(t *testing.T) {
	c := NewController()
	opErr := Classified(domain.ClassNetwork, errors.New("dial tcp: refused"))

	var calls int
	var trace Trace
	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		return opErr
	}, WithPolicy(fastPolicy(3)), WithTrace(&trace))

	assert.Equal(t, 3, calls)
	assert.True(t, err == opErr, "want the operation's own error, got %v", err)
	assert.True(t, trace.Exhausted)
	require.Len(t, trace.Attempts, 3)
	assert.Equal(t, time.Millisecond, trace.Attempts[0].Delay)
	assert.Equal(t, 2*time.Millisecond, trace.Attempts[1].Delay)
	assert.Zero(t, trace.Attempts[2].Delay)
	assert.Equal(t, domain.ClassNetwork, trace.Class)

	stats := trace.Stats()
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, 3, stats.Failures)
	assert.Equal(t, 3*time.Millisecond, stats.TotalDelay)
	assert.GreaterOrEqual(t, stats.Elapsed, stats.TotalDelay)
}

func TestDoValue_SucceedsAfterFailures(t *testing.T) {
	c := NewController(WithPolicies(map[domain.ErrorClass]domain.RetryPolicy{
		domain.ClassTemporary: fastPolicy(5),
	}))
	var calls int
	var trace Trace
	v, err := DoValue(context.Background(), c, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok", nil
	}, WithTrace(&trace))

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, domain.ClassTemporary, trace.Class)
	assert.False(t, trace.Exhausted)
	assert.Equal(t, 2, trace.Stats().Failures)
	assert.NoError(t, trace.LastError())
}

func TestDo_PolicyInferredFromFirstFailure(t *testing.T) {
	c := NewController(WithPolicies(map[domain.ErrorClass]domain.RetryPolicy{
		domain.ClassNetwork: fastPolicy(4),
		domain.ClassAuth:    fastPolicy(1),
	}))

	var calls int
	var trace Trace
	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset by peer")
		}
		// Later failures do not switch the policy.
		return errors.New("401 unauthorized")
	}, WithTrace(&trace))

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, domain.ClassNetwork, trace.Class)
	assert.Equal(t, 4, trace.Policy.MaxAttempts)
	assert.Equal(t, domain.ClassAuth, trace.Attempts[3].Class)
}

func TestDo_ExplicitClass(t *testing.T) {
	c := NewController(WithPolicies(map[domain.ErrorClass]domain.RetryPolicy{
		domain.ClassRateLimit: fastPolicy(6),
	}))
	var calls int
	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	}, WithClass(domain.ClassRateLimit))
	require.Error(t, err)
	assert.Equal(t, 6, calls)
}

func TestDo_CallerErrorsAreNotRetried(t *testing.T) {
	c := NewController()
	for _, target := range []error{
		domain.ErrInvalidTransition, domain.ErrDuplicateTask, domain.ErrInvalidProgress,
		domain.ErrLockHeld, domain.ErrAlreadyRunning, domain.ErrIntegrity, domain.ErrStorageUnavailable,
	} {
		var calls int
		err := c.Do(context.Background(), func(context.Context) error {
			calls++
			return fmt.Errorf("op: %w", target)
		}, WithPolicy(fastPolicy(5)))
		assert.ErrorIs(t, err, target)
		assert.Equal(t, 1, calls, target.Error())
	}
}

func TestDo_CancelledBetweenAttempts(t *testing.T) {
	c := NewController()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := domain.RetryPolicy{
		MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour,
		Multiplier: 2, Kind: domain.BackoffExponential,
	}
	var calls int
	done := make(chan error, 1)
	go func() {
		done <- c.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("connection refused")
		}, WithPolicy(slow), WithObserver(func(a Attempt) {
			if a.Index == 1 {
				cancel()
			}
		}))
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestDo_AlreadyCancelled(t *testing.T) {
	c := NewController()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := c.Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Zero(t, calls)
}

func TestDo_ObserverSeesEveryAttempt(t *testing.T) {
	c := NewController()
	var seen []int
	_ = c.Do(context.Background(), func(context.Context) error {
		return Classified(domain.ClassSystem, errors.New("disk"))
	}, WithPolicy(fastPolicy(3)), WithObserver(func(a Attempt) {
		seen = append(seen, a.Index)
	}))
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestController_ConcurrentUse(t *testing.T) {
	c := NewController(WithPolicies(map[domain.ErrorClass]domain.RetryPolicy{
		domain.ClassNetwork: {
			MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
			Multiplier: 2, Kind: domain.BackoffExponential, Jitter: true,
		},
	}))

	var total atomic.Int64
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var trace Trace
			_ = c.Do(context.Background(), func(context.Context) error {
				total.Add(1)
				return errors.New("network is unreachable")
			}, WithTrace(&trace))
			if len(trace.Attempts) != 3 {
				t.Errorf("attempts = %d, want 3", len(trace.Attempts))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(48), total.Load())
}
