package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"overseer/internal/config"
)

// ErrRateLimited means the caller exhausted its window budget. Retryable
// after the reported interval.
var ErrRateLimited = errors.New("rate limited")

type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("rate limit for %s exceeded, retry after %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

func (e RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type window struct {
	start time.Time
	count int
}

// RateLimiter enforces fixed-window ceilings per (action key, identifier)
// pair. Counters are partitioned by pair, so distinct identifiers never
// contend on budget, only on the map mutex.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	span     time.Duration
	ceilings map[string]int
	Now      func() time.Time
}

func NewRateLimiter(cfg *config.Config) *RateLimiter {
	ceilings := make(map[string]int, len(cfg.RateLimits.Ceilings))
	for k, v := range cfg.RateLimits.Ceilings {
		ceilings[k] = v
	}
	return &RateLimiter{
		windows:  make(map[string]*window),
		span:     time.Duration(cfg.RateLimits.WindowSeconds) * time.Second,
		ceilings: ceilings,
		Now:      time.Now,
	}
}

func (r *RateLimiter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Allow consumes one unit of budget. Keys without a configured ceiling are
// unlimited.
func (r *RateLimiter) Allow(key, identifier string) error {
	ceiling, ok := r.ceilings[key]
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	id := key + "|" + identifier
	w, ok := r.windows[id]
	if !ok || now.Sub(w.start) >= r.span {
		r.windows[id] = &window{start: now, count: 1}
		return nil
	}
	if w.count >= ceiling {
		return RateLimitError{Key: key, RetryAfter: r.span - now.Sub(w.start)}
	}
	w.count++
	return nil
}

// Remaining reports budget left in the current window without consuming any.
func (r *RateLimiter) Remaining(key, identifier string) int {
	ceiling, ok := r.ceilings[key]
	if !ok {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key+"|"+identifier]
	if !ok || r.now().Sub(w.start) >= r.span {
		return ceiling
	}
	if w.count >= ceiling {
		return 0
	}
	return ceiling - w.count
}

// StartEviction drops stale windows in the background until ctx is done.
func (r *RateLimiter) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evict()
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, w := range r.windows {
		if now.Sub(w.start) >= r.span {
			delete(r.windows, id)
		}
	}
}
