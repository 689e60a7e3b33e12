package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Limiter caps requests per key over a sliding window. A limit below 1
// rejects every attempt.
type Limiter interface {
	// Allow records an attempt for key. When the window is full it reports
	// false and how long until the oldest attempt falls out.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// MemoryLimiter keeps a timestamp log per key.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, hits: map[string][]time.Time{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l.limit < 1 {
		return false, l.window, nil
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.hits[key]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = times[i:]

	if len(times) >= l.limit {
		l.hits[key] = times
		return false, times[0].Add(l.window).Sub(now), nil
	}
	l.hits[key] = append(times, now)
	return true, 0, nil
}

// RedisLimiter keeps one sorted set per key, scored by unix nanoseconds, so
// several API instances share a window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow records the attempt and counts the window in a single MULTI, so
// concurrent callers are ordered by Redis. An attempt that lands over the
// limit is removed again and does not occupy the window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.limit < 1 {
		return false, l.window, nil
	}
	now := l.now()
	k := l.prefix + key
	floor := strconv.FormatInt(now.Add(-l.window).UnixNano(), 10)
	member := uuid.NewString()

	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", floor)
		p.ZAdd(ctx, k, &redis.Z{Score: float64(now.UnixNano()), Member: member})
		count = p.ZCard(ctx, k)
		oldest = p.ZRangeWithScores(ctx, k, 0, 0)
		p.Expire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	if int(count.Val()) <= l.limit {
		return true, 0, nil
	}

	if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	retry := l.window
	if z := oldest.Val(); len(z) > 0 {
		retry = time.Unix(0, int64(z[0].Score)).Add(l.window).Sub(now)
	}
	return false, retry, nil
}

// NewRedisClient connects and pings, as the limiter is useless without it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
