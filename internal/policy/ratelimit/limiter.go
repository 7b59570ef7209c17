// Package ratelimit implements the shared request gate used by the fetcher and
// every download worker.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/photo-archiver/internal/metrics"
)

const minPoll = 100 * time.Microsecond

// Config holds rate limiter configuration.
type Config struct {
	// Interval is the minimum spacing between two outbound requests.
	Interval time.Duration
	// Jitter is the upper bound of the random delay added on top of Interval.
	Jitter time.Duration
}

// Limiter is a single gate shared by every outbound request. Each issued
// request resets the refill rate to Interval plus a fresh random jitter, so
// consecutive requests are never closer than Interval.
type Limiter struct {
	// gate admits one waiter at a time; a waiter whose context ends leaves
	// the line without taking a slot.
	gate     chan struct{}
	limiter  *rate.Limiter
	interval time.Duration
	jitter   time.Duration
	rand     func(limit time.Duration) time.Duration
	now      func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithJitterSource replaces the random jitter source, mainly for tests.
func WithJitterSource(fn func(limit time.Duration) time.Duration) Option {
	return func(l *Limiter) {
		l.rand = fn
	}
}

// New creates a Limiter. A non-positive interval and jitter disable throttling.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		gate:     make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Every(max(cfg.Interval, time.Nanosecond)), 1),
		interval: cfg.Interval,
		jitter:   cfg.Jitter,
		rand:     cryptoJitter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until the caller may issue a request to rawURL. Acquisition is
// serialized: one caller waits for the gate at a time and nobody reserves a
// future slot ahead of real request issuance.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l.disabled() {
		return Noop{}.Wait(ctx, rawURL)
	}

	start := l.now()
	select {
	case l.gate <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
	defer func() { <-l.gate }()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		now := l.now()
		if l.limiter.AllowN(now, 1) {
			l.limiter.SetLimitAt(now, l.nextLimit())
			break
		}
		if err := sleepCtx(ctx, l.delayAt(now)); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(hostOf(rawURL), waited)
	}
	return nil
}

func (l *Limiter) disabled() bool {
	return l.interval <= 0 && l.jitter <= 0
}

func (l *Limiter) nextLimit() rate.Limit {
	gap := max(l.interval, 0)
	if l.jitter > 0 {
		gap += l.rand(l.jitter)
	}
	return rate.Every(max(gap, time.Nanosecond))
}

func (l *Limiter) delayAt(now time.Time) time.Duration {
	missing := 1 - l.limiter.TokensAt(now)
	limit := float64(l.limiter.Limit())
	if missing <= 0 || limit <= 0 {
		return minPoll
	}
	d := time.Duration(missing / limit * float64(time.Second))
	if d < minPoll {
		return minPoll
	}
	return d
}

// Noop never blocks. It satisfies crawler.Limiter for tests.
type Noop struct{}

// Wait returns immediately unless the context is already done.
func (Noop) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cryptoJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
