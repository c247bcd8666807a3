package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateResult is the outcome of one rate limiter hit.
type RateResult struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Hits       int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimiter is a fixed window request counter kept in redis. Each window
// gets its own key, so a new window always starts from zero.
type RateLimiter struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter constructs a limiter admitting max hits per key per window.
func NewRateLimiter(client *redis.Client, prefix string, max int64, window time.Duration) *RateLimiter {
	if prefix == "" {
		prefix = "rl"
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Allow counts a hit for key and reports whether it fits in the window.
func (l *RateLimiter) Allow(ctx context.Context, key string) (RateResult, error) {
	start := l.now().UTC().Truncate(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())

	hits, err := incrWindow.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return RateResult{}, fmt.Errorf("redis rate limit: %w", err)
	}

	res := RateResult{
		Allowed:   hits <= l.max,
		Limit:     l.max,
		Remaining: l.max - hits,
		Hits:      hits,
		ResetAt:   start.Add(l.window),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = res.ResetAt.Sub(l.now().UTC())
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
	}
	return res, nil
}
