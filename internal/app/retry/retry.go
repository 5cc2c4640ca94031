// Package retry runs work under per-class retry policies with exponential or
// linear backoff and bounded jitter.
//
// The Controller is stateless after construction: every call builds its own
// attempt counter, random source and Trace, so one Controller serves any
// number of concurrent callers. Nothing is persisted here; callers record
// attempts through the task manager if they need history.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/metrics"
)

// DefaultPolicies returns the built-in policy table. Unknown failures get the
// most conservative row: fewest attempts and the longest base delay.
func DefaultPolicies() map[domain.ErrorClass]domain.RetryPolicy {
	return map[domain.ErrorClass]domain.RetryPolicy{
		domain.ClassNetwork:   {MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Kind: domain.BackoffExponential, Jitter: true},
		domain.ClassAuth:      {MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Kind: domain.BackoffExponential, Jitter: true},
		domain.ClassSystem:    {MaxAttempts: 2, BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 1.5, Kind: domain.BackoffExponential, Jitter: true},
		domain.ClassRateLimit: {MaxAttempts: 10, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 1.2, Kind: domain.BackoffExponential, Jitter: true},
		domain.ClassTemporary: {MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Multiplier: 1.5, Kind: domain.BackoffLinear, Jitter: true},
		domain.ClassUnknown:   {MaxAttempts: 2, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2, Kind: domain.BackoffExponential, Jitter: true},
	}
}

// Controller executes operations under retry policies.
type Controller struct {
	policies    map[domain.ErrorClass]domain.RetryPolicy
	classifiers []Classifier
	log         *slog.Logger
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithPolicies overrides entries of the default policy table.
func WithPolicies(p map[domain.ErrorClass]domain.RetryPolicy) ControllerOption {
	return func(c *Controller) { maps.Copy(c.policies, p) }
}

// WithClassifier adds a classifier consulted before the built-in rules.
func WithClassifier(cl Classifier) ControllerOption {
	return func(c *Controller) { c.classifiers = append(c.classifiers, cl) }
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// NewController builds a Controller from the default table plus overrides.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{policies: DefaultPolicies(), log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "retry")
	return c
}

// Policy returns the policy for class, falling back to unknown.
func (c *Controller) Policy(class domain.ErrorClass) domain.RetryPolicy {
	if p, ok := c.policies[class]; ok {
		return p
	}
	return c.policies[domain.ClassUnknown]
}

// Policies returns a copy of the active policy table.
func (c *Controller) Policies() map[domain.ErrorClass]domain.RetryPolicy {
	return maps.Clone(c.policies)
}

// ─── Per-call options ───────────────────────────────────────────────────────

// Option customizes a single Do call.
type Option func(*callOptions)

type callOptions struct {
	policy   *domain.RetryPolicy
	class    domain.ErrorClass
	observer func(Attempt)
	trace    *Trace
}

// WithPolicy runs the call under an explicit policy.
func WithPolicy(p domain.RetryPolicy) Option {
	return func(o *callOptions) { o.policy = &p }
}

// WithClass runs the call under the policy of class.
func WithClass(class domain.ErrorClass) Option {
	return func(o *callOptions) { o.class = class }
}

// WithObserver registers fn to be called after every attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(o *callOptions) { o.observer = fn }
}

// WithTrace fills t with the call's attempt history.
func WithTrace(t *Trace) Option {
	return func(o *callOptions) { o.trace = t }
}

// ─── Execution ──────────────────────────────────────────────────────────────

// Do runs op until it succeeds, fails with a non-retryable error, exhausts
// its policy or ctx is cancelled. On exhaustion the last error from op is
// returned as is.
func (c *Controller) Do(ctx context.Context, op func(context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, c *Controller, op func(context.Context) (T, error), opts ...Option) (T, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := &run{
		c:     c,
		opts:  o,
		trace: o.trace,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	if r.trace == nil {
		r.trace = &Trace{}
	}
	*r.trace = Trace{Start: time.Now()}
	switch {
	case o.policy != nil:
		r.setPolicy(o.class, *o.policy)
	case o.class != "":
		r.setPolicy(o.class, c.Policy(o.class))
	}

	var zero T
	v, err := goretry.DoValue(ctx, goretry.BackoffFunc(r.next), func(ctx context.Context) (T, error) {
		started := time.Now()
		v, err := op(ctx)
		return v, r.settle(started, err)
	})
	r.trace.Elapsed = time.Since(r.trace.Start)

	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil || r.trace.Class == domain.ClassCancelled {
		if ctxErr == nil {
			ctxErr = err
		}
		r.trace.Cancelled = true
		return zero, fmt.Errorf("%w: %w", domain.ErrCancelled, ctxErr)
	}
	return zero, err
}

// run holds the mutable state of one DoValue call.
type run struct {
	c       *Controller
	opts    callOptions
	trace   *Trace
	rng     *rand.Rand
	policy  domain.RetryPolicy
	chosen  bool
	pending *Attempt
}

func (r *run) setPolicy(class domain.ErrorClass, p domain.RetryPolicy) {
	r.policy = p
	r.chosen = true
	r.trace.Policy = p
	if class != "" {
		r.trace.Class = class
	}
}

// settle records one attempt and tells go-retry whether to continue.
func (r *run) settle(started time.Time, err error) error {
	a := Attempt{
		Index:    len(r.trace.Attempts) + 1,
		Err:      err,
		Started:  started,
		Duration: time.Since(started),
	}
	if err == nil {
		r.record(a)
		return nil
	}

	a.Class = r.c.Classify(err)
	if !r.chosen && a.Class != domain.ClassCancelled {
		r.setPolicy(a.Class, r.c.Policy(a.Class))
	}
	if r.trace.Class == "" {
		r.trace.Class = a.Class
	}
	metrics.RetryAttempts.WithLabelValues(string(a.Class)).Inc()

	if a.Class == domain.ClassCancelled || domain.IsCallerError(err) {
		if a.Class == domain.ClassCancelled {
			r.trace.Class = domain.ClassCancelled
		}
		r.record(a)
		return err
	}
	r.pending = &a
	return goretry.RetryableError(err)
}

// next is the go-retry backoff. It runs only after a retryable failure.
func (r *run) next() (time.Duration, bool) {
	a := *r.pending
	r.pending = nil

	if a.Index >= r.policy.MaxAttempts {
		r.trace.Exhausted = true
		r.record(a)
		metrics.RetryExhausted.WithLabelValues(string(r.trace.Class)).Inc()
		r.c.log.Warn("retry exhausted",
			"class", r.trace.Class, "attempts", a.Index, "error", a.Err)
		return 0, true
	}

	d := r.policy.Delay(a.Index)
	if r.policy.Jitter {
		d = jitter(r.rng, d)
	}
	a.Delay = d
	r.trace.TotalDelay += d
	r.record(a)
	metrics.RetryDelay.WithLabelValues(string(a.Class)).Observe(d.Seconds())
	r.c.log.Debug("retrying",
		"class", a.Class, "attempt", a.Index, "delay", d, "error", a.Err)
	return d, false
}

func (r *run) record(a Attempt) {
	r.trace.Attempts = append(r.trace.Attempts, a)
	r.trace.Elapsed = time.Since(r.trace.Start)
	if r.opts.observer != nil {
		r.opts.observer(a)
	}
}

// jitter draws uniformly from [d/2, d].
func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rng.Int64N(int64(d-half)+1))
}
