// Package ratelimit provides a token bucket limiter with a FIFO queue of waiting
// callers, used to throttle outbound requests to a single upstream platform.
package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

// Config holds the bucket parameters.
type Config struct {
	// Capacity is the maximum number of tokens (the burst size).
	Capacity int
	// RefillRate is the number of tokens added per second.
	RefillRate float64
}

// Validate checks that the bucket parameters are usable.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return domain.NewValidationError("capacity", "must be at least 1")
	}
	if c.RefillRate <= 0 || math.IsInf(c.RefillRate, 0) || math.IsNaN(c.RefillRate) {
		return domain.NewValidationError("refill_rate", "must be a positive finite number")
	}
	return nil
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used for refill arithmetic and wake-up timers.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// Status is a point-in-time view of a limiter.
type Status struct {
	AvailableTokens float64 `json:"available_tokens"`
	Capacity        int     `json:"capacity"`
	RefillRate      float64 `json:"refill_rate"`
	Pending         int     `json:"pending"`
}

// waiter is a queued Acquire call. ready is closed exactly once, after err is set.
type waiter struct {
	ready chan struct{}
	err   error
}

// Limiter is a token bucket that grants tokens to callers in arrival order.
//
// Token arithmetic is delegated to a rate.Limiter that is always driven with
// explicit timestamps from the injected clock, so refill is lazy and the bucket
// never goes negative. Callers that find the bucket empty join a FIFO queue; a
// single clock timer is armed for the instant the next token exists and hands
// tokens to the head of the queue.
//
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	bucket   *rate.Limiter
	capacity int
	rate     float64
	waiters  *list.List
	wake     clockwork.Timer
	disposed bool
}

// New creates a limiter that starts with a full bucket.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limiter config: %w", err)
	}

	l := &Limiter{
		clock:    clockwork.NewRealClock(),
		bucket:   rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		capacity: cfg.Capacity,
		rate:     cfg.RefillRate,
		waiters:  list.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until a token is available and consumes it.
// Callers are served in the order they called Acquire. It returns the context's
// error if ctx ends first, and domain.ErrLimiterDisposed if the limiter is
// disposed while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return domain.ErrLimiterDisposed
	}
	if l.waiters.Len() == 0 && l.bucket.AllowN(l.clock.Now(), 1) {
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.scheduleLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-w.ready:
		// Granted while we were cancelling; keep the token.
		return w.err
	default:
	}
	l.waiters.Remove(elem)
	// The head may have changed, so drain and re-arm the wake timer.
	l.drainLocked()
	return ctx.Err()
}

// Wait is an alias for Acquire.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.Acquire(ctx)
}

// Allow consumes a token if one is available right now and nobody is queued.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed || l.waiters.Len() > 0 {
		return false
	}
	return l.bucket.AllowN(l.clock.Now(), 1)
}

// SetRate changes the refill rate. Tokens accrued so far are kept.
func (l *Limiter) SetRate(ratePerSecond float64) error {
	if ratePerSecond <= 0 || math.IsInf(ratePerSecond, 0) || math.IsNaN(ratePerSecond) {
		return domain.NewValidationError("refill_rate", "must be a positive finite number")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bucket.SetLimitAt(l.clock.Now(), rate.Limit(ratePerSecond))
	l.rate = ratePerSecond
	if !l.disposed {
		l.drainLocked()
	}
	return nil
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.TokensAt(l.clock.Now())
}

// Status reports the bucket state without consuming anything.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		AvailableTokens: l.bucket.TokensAt(l.clock.Now()),
		Capacity:        l.capacity,
		RefillRate:      l.rate,
		Pending:         l.waiters.Len(),
	}
}

// Dispose releases every queued caller with domain.ErrLimiterDisposed and makes
// later Acquire calls fail immediately. It is safe to call more than once.
func (l *Limiter) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.disposed = true
	if l.wake != nil {
		l.wake.Stop()
		l.wake = nil
	}
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.err = domain.ErrLimiterDisposed
		close(w.ready)
	}
	l.waiters.Init()
}

// onWake runs when the wake timer fires.
func (l *Limiter) onWake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wake = nil
	if l.disposed {
		return
	}
	l.drainLocked()
}

// drainLocked grants tokens to queued callers in order while tokens last, then
// arms the wake timer for the remaining queue. l.mu must be held.
func (l *Limiter) drainLocked() {
	now := l.clock.Now()
	for l.waiters.Len() > 0 {
		if !l.bucket.AllowN(now, 1) {
			break
		}
		w := l.waiters.Remove(l.waiters.Front()).(*waiter)
		close(w.ready)
	}
	l.scheduleLocked()
}

// scheduleLocked arms the wake timer for the instant the next token exists.
// l.mu must be held.
func (l *Limiter) scheduleLocked() {
	if l.wake != nil {
		l.wake.Stop()
		l.wake = nil
	}
	if l.waiters.Len() == 0 {
		return
	}
	l.wake = l.clock.AfterFunc(l.untilNextToken(), l.onWake)
}

// untilNextToken rounds up so the timer never fires before a whole token exists.
func (l *Limiter) untilNextToken() time.Duration {
	missing := 1 - l.bucket.TokensAt(l.clock.Now())
	if missing <= 0 {
		return time.Nanosecond
	}
	d := time.Duration(math.Ceil(missing / l.rate * float64(time.Second)))
	if d < time.Nanosecond {
		d = time.Nanosecond
	}
	return d
}
