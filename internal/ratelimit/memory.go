package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// MemoryLimiter is a fixed-window counter per key, for single-node setups.
type MemoryLimiter struct {
	limit  int
	period time.Duration

	mu      sync.Mutex
	windows map[string]*window
	done    chan struct{}
}

// NewMemoryLimiter starts the janitor and returns the limiter.
func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		limit:   limit,
		period:  period,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for k, w := range l.windows {
				if now.Sub(w.start) > l.period {
					delete(l.windows, k)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

func (l *MemoryLimiter) Increment(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.period {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++

	remaining := l.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    w.count <= l.limit,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: l.period - now.Sub(w.start),
	}, nil
}

func (l *MemoryLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLimiter) Disconnect(ctx context.Context) error {
	close(l.done)
	return nil
}
