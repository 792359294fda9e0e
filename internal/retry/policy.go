package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

// Options bounds a retried call.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps every computed delay. Server retry hints are not capped.
	MaxDelay time.Duration
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(Event)
}

// DefaultOptions returns the options used when a platform does not override them.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Validate checks that the options describe a usable schedule.
func (o Options) Validate() error {
	if o.MaxRetries < 0 {
		return domain.NewValidationError("max_retries", "must not be negative")
	}
	if o.InitialDelay < 0 {
		return domain.NewValidationError("initial_delay", "must not be negative")
	}
	if o.MaxDelay < o.InitialDelay {
		return domain.NewValidationError("max_delay", "must not be less than initial_delay")
	}
	return nil
}

// Event describes a failed attempt that is about to be retried.
type Event struct {
	// Attempt is the 1-indexed attempt that failed.
	Attempt int
	// Delay is how long the policy will wait before the next attempt.
	Delay   time.Duration
	Err     error
	Outcome Outcome
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
	Outcome  Outcome
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the clock used for backoff sleeps.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Policy) {
		p.clock = clock
	}
}

// WithJitter replaces the jitter source. fn must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(p *Policy) {
		p.jitter = fn
	}
}

// Policy runs attempts with classification and backoff. It holds no per-call
// state and is safe for concurrent use.
type Policy struct {
	clock  clockwork.Clock
	jitter func() float64
}

// New creates a Policy using the real clock and uniform jitter.
func New(opts ...Option) *Policy {
	p := &Policy{
		clock:  clockwork.NewRealClock(),
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns the backoff before retry k (1-indexed) without jitter:
// min(MaxDelay, InitialDelay * 2^(k-1)).
func Delay(opts Options, k int) time.Duration {
	if k < 1 {
		return 0
	}
	b := newSchedule(opts, nil)
	var d time.Duration
	for i := 0; i < k; i++ {
		d = b.NextBackOff()
	}
	return min(d, opts.MaxDelay)
}

func newSchedule(opts Options, clock backoff.Clock) *backoff.ExponentialBackOff {
	bopts := []backoff.ExponentialBackOffOpts{
		backoff.WithInitialInterval(opts.InitialDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(opts.MaxDelay),
		backoff.WithMaxElapsedTime(0),
	}
	if clock != nil {
		bopts = append(bopts, backoff.WithClockProvider(clock))
	}
	return backoff.NewExponentialBackOff(bopts...)
}

// Run invokes fn until it succeeds, fails fatally, or MaxRetries+1 attempts have
// been made. Fatal errors are returned as is; exhausting the budget returns an
// *ExhaustedError wrapping the last failure. If ctx ends, Run returns ctx.Err().
func (p *Policy) Run(ctx context.Context, opts Options, fn func(ctx context.Context, attempt int) error) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid retry options: %w", err)
	}

	schedule := newSchedule(opts, p.clock)
	attempts := opts.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		outcome := Classify(err)
		if !outcome.Retryable() {
			return err
		}
		if attempt >= attempts {
			return &ExhaustedError{Attempts: attempt, Last: err, Outcome: outcome}
		}

		delay := p.nextDelay(opts, min(schedule.NextBackOff(), opts.MaxDelay), outcome)
		if opts.OnRetry != nil {
			opts.OnRetry(Event{Attempt: attempt, Delay: delay, Err: err, Outcome: outcome})
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// nextDelay applies the server hint or jitter to a base delay. Jittered delays
// are capped at MaxDelay so the schedule stays non-decreasing.
func (p *Policy) nextDelay(opts Options, base time.Duration, outcome Outcome) time.Duration {
	if outcome.Kind == KindRateLimited && outcome.SuggestedDelay > 0 {
		return outcome.SuggestedDelay
	}
	d := base + time.Duration(p.jitter()*float64(base))
	return min(d, opts.MaxDelay)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do is Run for attempts that produce a value.
func Do[T any](ctx context.Context, p *Policy, opts Options, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	err := p.Run(ctx, opts, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
