package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Quota is the free-tier allowance for one caller.
type Quota struct {
	PerMinute int
	PerDay    int
}

type window struct {
	count int
	start time.Time
}

// Limiter applies fixed-window quotas per caller key. Both the minute and
// the day window must have room for a request to pass. With a redis client
// the counters are shared across replicas; without one, or when redis is
// unreachable, the limiter falls back to in-process windows.
type Limiter struct {
	mu     sync.Mutex
	quota  Quota
	now    func() time.Time
	redis  *redis.Client
	minute map[string]*window
	day    map[string]*window
}

func New(quota Quota, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		quota:  quota,
		now:    now,
		minute: make(map[string]*window),
		day:    make(map[string]*window),
	}
}

// WithRedis makes the limiter count against shared redis windows first.
func (l *Limiter) WithRedis(client *redis.Client) *Limiter {
	l.redis = client
	return l
}

// Allow reports whether the caller may proceed. When denied, retryAfter is
// how long until the exhausted window rolls over.
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, time.Duration) {
	if l.redis != nil {
		if ok, retryAfter, err := l.allowRedis(ctx, caller); err == nil {
			return ok, retryAfter
		}
	}
	return l.allowLocal(caller)
}

// allowLocal checks both windows before consuming either, so a request
// denied by one window does not burn allowance in the other.
func (l *Limiter) allowLocal(caller string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	minute := l.currentWindow(l.minute, caller, now, time.Minute)
	day := l.currentWindow(l.day, caller, now, 24*time.Hour)

	var minuteWait, dayWait time.Duration
	if l.quota.PerMinute > 0 && minute.count >= l.quota.PerMinute {
		minuteWait = minute.start.Add(time.Minute).Sub(now)
	}
	if l.quota.PerDay > 0 && day.count >= l.quota.PerDay {
		dayWait = day.start.Add(24 * time.Hour).Sub(now)
	}
	if minuteWait == 0 && dayWait == 0 {
		minute.count++
		day.count++
		return true, 0
	}
	if dayWait > minuteWait {
		return false, dayWait
	}
	return false, minuteWait
}

func (l *Limiter) currentWindow(windows map[string]*window, caller string, now time.Time, span time.Duration) *window {
	w, ok := windows[caller]
	if !ok || now.Sub(w.start) >= span {
		w = &window{start: now}
		windows[caller] = w
	}
	return w
}

// allowRedis counts against epoch-aligned INCR+EXPIRE windows so every
// replica sees the same buckets.
func (l *Limiter) allowRedis(ctx context.Context, caller string) (bool, time.Duration, error) {
	now := l.now()
	minuteKey := fmt.Sprintf("ratelimit:m:%d:%s", now.Unix()/60, caller)
	dayKey := fmt.Sprintf("ratelimit:d:%d:%s", now.Unix()/86400, caller)

	pipe := l.redis.Pipeline()
	minuteCount := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	dayCount := pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, 25*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	minuteOver := l.quota.PerMinute > 0 && minuteCount.Val() > int64(l.quota.PerMinute)
	dayOver := l.quota.PerDay > 0 && dayCount.Val() > int64(l.quota.PerDay)
	if !minuteOver && !dayOver {
		return true, 0, nil
	}

	// Refund the unit taken from any window that still had room, so a
	// denied request does not burn the other window's allowance.
	if !minuteOver {
		l.redis.Decr(ctx, minuteKey)
	}
	if !dayOver {
		l.redis.Decr(ctx, dayKey)
	}
	var wait time.Duration
	if minuteOver {
		wait = bucketRemainder(now, time.Minute)
	}
	if dayOver {
		if dayWait := bucketRemainder(now, 24*time.Hour); dayWait > wait {
			wait = dayWait
		}
	}
	return false, wait, nil
}

func bucketRemainder(now time.Time, span time.Duration) time.Duration {
	bucket := now.Unix() / int64(span.Seconds())
	end := time.Unix((bucket+1)*int64(span.Seconds()), 0)
	return end.Sub(now)
}

// Prune drops windows that ended before now. Callers run it periodically so
// one-off clients do not accumulate forever.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for caller, w := range l.minute {
		if now.Sub(w.start) >= time.Minute {
			delete(l.minute, caller)
		}
	}
	for caller, w := range l.day {
		if now.Sub(w.start) >= 24*time.Hour {
			delete(l.day, caller)
		}
	}
}
