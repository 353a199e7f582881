package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"
)

// RateLimiter gates outbound control frames per bucket. A bucket is keyed by
// shard_id % num_shards and may be shared by several shards.
//
// The usual pattern is Acquire, HoldUntilReset when Exceeded, Increment,
// Release, then write the frame outside the lock. Wait does all of it.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[int]*bucket

	config RateLimiterConfig
}

type bucket struct {
	lock csync.Mutex

	mu          sync.Mutex
	windowStart time.Time
	count       int
	limit       int
}

func NewRateLimiter(opts ...RateLimiterConfigOpt) *RateLimiter {
	config := DefaultRateLimiterConfig()
	config.Apply(opts)

	if config.Limit < 1 {
		config.Limit = 1
	}
	if config.now == nil {
		config.now = time.Now
	}

	return &RateLimiter{
		buckets: make(map[int]*bucket),
		config:  *config,
	}
}

func (l *RateLimiter) bucket(key int) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limit: l.config.Limit}
		l.buckets[key] = b
	}
	return b
}

// expire resets the counter once the window has passed. b.mu must be held.
func (b *bucket) expire(now time.Time, window time.Duration) {
	if !b.windowStart.IsZero() && !now.Before(b.windowStart.Add(window)) {
		b.windowStart = time.Time{}
		b.count = 0
	}
}

// Acquire takes the scoped lock of a bucket. Only one caller at a time may run
// the check then increment sequence on a bucket.
func (l *RateLimiter) Acquire(ctx context.Context, key int) error {
	return l.bucket(key).lock.CLock(ctx)
}

func (l *RateLimiter) Release(key int) {
	l.bucket(key).lock.Unlock()
}

// Exceeded reports whether the bucket has used its whole window.
func (l *RateLimiter) Exceeded(key int) bool {
	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(l.config.now(), l.config.Window)
	return b.count >= b.limit
}

func (l *RateLimiter) Count(key int) int {
	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(l.config.now(), l.config.Window)
	return b.count
}

// Increment counts one frame against the bucket. When the bucket is already
// exhausted it either holds until the window resets (lockIfExceed) or returns
// ErrRateLimited without counting.
func (l *RateLimiter) Increment(ctx context.Context, key int, lockIfExceed bool) error {
	b := l.bucket(key)

	for {
		b.mu.Lock()
		now := l.config.now()
		b.expire(now, l.config.Window)

		if b.count < b.limit {
			if b.windowStart.IsZero() {
				b.windowStart = now
			}
			b.count++
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		if !lockIfExceed {
			return ErrRateLimited
		}
		if err := l.HoldUntilReset(ctx, key); err != nil {
			return err
		}
	}
}

// HoldUntilReset blocks until the current window of the bucket has elapsed.
func (l *RateLimiter) HoldUntilReset(ctx context.Context, key int) error {
	b := l.bucket(key)

	b.mu.Lock()
	var until time.Time
	if !b.windowStart.IsZero() {
		until = b.windowStart.Add(l.config.Window)
	}
	b.mu.Unlock()

	if wait := until.Sub(l.config.now()); wait > 0 {
		if l.config.OnHold != nil {
			l.config.OnHold(key, wait)
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	b.mu.Lock()
	b.expire(l.config.now(), l.config.Window)
	b.mu.Unlock()
	return nil
}

// Wait runs the whole acquisition for one control frame. When it returns nil
// the caller may send exactly one frame.
func (l *RateLimiter) Wait(ctx context.Context, key int) error {
	if err := l.Acquire(ctx, key); err != nil {
		return err
	}
	defer l.Release(key)

	if l.Exceeded(key) {
		if err := l.HoldUntilReset(ctx, key); err != nil {
			return err
		}
	}

	return l.Increment(ctx, key, true)
}

func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		Limit:  120,
		Window: time.Minute,
		now:    time.Now,
	}
}

type RateLimiterConfig struct {
	Limit  int
	Window time.Duration
	OnHold func(key int, wait time.Duration)

	now func() time.Time
}

type RateLimiterConfigOpt func(config *RateLimiterConfig)

func (c *RateLimiterConfig) Apply(opts []RateLimiterConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithLimit(limit int) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.Limit = limit
	}
}

func WithWindow(window time.Duration) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.Window = window
	}
}

// WithOnHold registers a callback run whenever a caller is about to be held.
func WithOnHold(fn func(key int, wait time.Duration)) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.OnHold = fn
	}
}
