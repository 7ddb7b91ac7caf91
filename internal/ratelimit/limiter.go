package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// GlobalKey is used for checks that are not bound to a recipient.
const GlobalKey = "global"

// RateLimiter gates sends per key (a recipient phone number or GlobalKey).
type RateLimiter interface {
	IsRateLimited(ctx context.Context, key string) (bool, error)
	RecordMessage(ctx context.Context, key string, success bool) error
	ErrorCount(ctx context.Context, key string) (int, error)
}

// Config holds the throughput ceilings and the cooldown applied after errors.
type Config struct {
	PerSecond int
	PerMinute int
	PerHour   int
	Cooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PerSecond: 3,
		PerMinute: 80,
		PerHour:   1000,
		Cooldown:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PerSecond <= 0 {
		c.PerSecond = def.PerSecond
	}
	if c.PerMinute <= 0 {
		c.PerMinute = def.PerMinute
	}
	if c.PerHour <= 0 {
		c.PerHour = def.PerHour
	}
	if c.Cooldown < 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// Normalized returns the config with unset ceilings replaced by defaults.
func (c Config) Normalized() Config {
	return c.withDefaults()
}

// NormalizeKey maps an empty key to GlobalKey.
func NormalizeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return GlobalKey
	}
	return trimmed
}

type window struct {
	sends      []time.Time
	errorCount int
	lastError  time.Time
	lastSend   time.Time
}

var _ RateLimiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter is an in-process RateLimiter. Windows are created on
// first use and live for the lifetime of the limiter.
type SlidingWindowLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func NewSlidingWindowLimiter(cfg Config) *SlidingWindowLimiter {
	return newSlidingWindowLimiter(cfg, time.Now)
}

func newSlidingWindowLimiter(cfg Config, nowFn func() time.Time) *SlidingWindowLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &SlidingWindowLimiter{
		cfg:     cfg.withDefaults(),
		now:     nowFn,
		windows: make(map[string]*window),
	}
}

func (l *SlidingWindowLimiter) IsRateLimited(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windowFor(NormalizeKey(key))
	w.prune(now.Add(-time.Hour))

	if countSince(w.sends, now.Add(-time.Second)) >= l.cfg.PerSecond {
		return true, nil
	}
	if countSince(w.sends, now.Add(-time.Minute)) >= l.cfg.PerMinute {
		return true, nil
	}
	if len(w.sends) >= l.cfg.PerHour {
		return true, nil
	}
	if w.errorCount > 0 && now.Sub(w.lastError) < l.cfg.Cooldown {
		return true, nil
	}

	return false, nil
}

func (l *SlidingWindowLimiter) RecordMessage(_ context.Context, key string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windowFor(NormalizeKey(key))
	w.sends = append(w.sends, now)
	w.lastSend = now

	if success {
		if w.errorCount > 0 {
			w.errorCount--
		}
		return nil
	}

	w.errorCount++
	w.lastError = now
	return nil
}

func (l *SlidingWindowLimiter) ErrorCount(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[NormalizeKey(key)]
	if !ok {
		return 0, nil
	}
	return w.errorCount, nil
}

func (l *SlidingWindowLimiter) windowFor(key string) *window {
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// prune drops timestamps at or before cutoff. Sends are appended in time
// order so the slice stays sorted.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.sends) && !w.sends[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.sends = append(w.sends[:0], w.sends[i:]...)
	}
}

func countSince(sends []time.Time, cutoff time.Time) int {
	count := 0
	for i := len(sends) - 1; i >= 0; i-- {
		if !sends[i].After(cutoff) {
			break
		}
		count++
	}
	return count
}
