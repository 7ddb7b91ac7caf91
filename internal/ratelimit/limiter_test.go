package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(cfg Config) (*SlidingWindowLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return newSlidingWindowLimiter(cfg, clock.Now), clock
}

func TestSlidingWindowLimiterPerSecond(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, clock := newTestLimiter(Config{PerSecond: 3, PerMinute: 100, PerHour: 1000, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		limited, err := limiter.IsRateLimited(ctx, "6281234567890")
		if err != nil {
			t.Fatalf("IsRateLimited() error = %v", err)
		}
		if limited {
			t.Fatalf("send %d should not be limited", i+1)
		}
		if err := limiter.RecordMessage(ctx, "6281234567890", true); err != nil {
			t.Fatalf("RecordMessage() error = %v", err)
		}
		clock.Advance(100 * time.Millisecond)
	}

	limited, _ := limiter.IsRateLimited(ctx, "6281234567890")
	if !limited {
		t.Fatal("fourth check within one second should be limited")
	}

	clock.Advance(time.Second)
	limited, _ = limiter.IsRateLimited(ctx, "6281234567890")
	if limited {
		t.Fatal("key should be released once the one-second window elapsed")
	}
}

func TestSlidingWindowLimiterIsSlidingNotBucketed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, clock := newTestLimiter(Config{PerSecond: 2, PerMinute: 100, PerHour: 1000})

	_ = limiter.RecordMessage(ctx, "k", true)
	clock.Advance(900 * time.Millisecond)
	_ = limiter.RecordMessage(ctx, "k", true)

	// 200ms later the first send is outside the trailing second, the second is not.
	clock.Advance(200 * time.Millisecond)
	limited, _ := limiter.IsRateLimited(ctx, "k")
	if limited {
		t.Fatal("only one send inside the trailing second, should not be limited")
	}

	_ = limiter.RecordMessage(ctx, "k", true)
	limited, _ = limiter.IsRateLimited(ctx, "k")
	if !limited {
		t.Fatal("two sends inside the trailing second, should be limited")
	}
}

func TestSlidingWindowLimiterPerMinuteAndHour(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, clock := newTestLimiter(Config{PerSecond: 100, PerMinute: 5, PerHour: 8})

	for i := 0; i < 5; i++ {
		_ = limiter.RecordMessage(ctx, GlobalKey, true)
		clock.Advance(2 * time.Second)
	}
	if limited, _ := limiter.IsRateLimited(ctx, GlobalKey); !limited {
		t.Fatal("five sends in a minute should hit the per-minute ceiling")
	}

	clock.Advance(time.Minute)
	if limited, _ := limiter.IsRateLimited(ctx, GlobalKey); limited {
		t.Fatal("per-minute window should have slid past the sends")
	}

	for i := 0; i < 3; i++ {
		_ = limiter.RecordMessage(ctx, GlobalKey, true)
		clock.Advance(30 * time.Second)
	}
	if limited, _ := limiter.IsRateLimited(ctx, GlobalKey); !limited {
		t.Fatal("eight sends within the hour should hit the per-hour ceiling")
	}

	clock.Advance(time.Hour)
	if limited, _ := limiter.IsRateLimited(ctx, GlobalKey); limited {
		t.Fatal("hour window should have been pruned")
	}
	if sends := len(limiter.windows[NormalizeKey(GlobalKey)].sends); sends != 0 {
		t.Fatalf("sends after prune = %d, want 0", sends)
	}
}

func TestSlidingWindowLimiterCooldownAfterError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, clock := newTestLimiter(Config{PerSecond: 100, PerMinute: 100, PerHour: 1000, Cooldown: 5 * time.Minute})

	_ = limiter.RecordMessage(ctx, "k", false)
	if limited, _ := limiter.IsRateLimited(ctx, "k"); !limited {
		t.Fatal("key should be in cooldown right after an error")
	}

	clock.Advance(5*time.Minute + time.Millisecond)
	if limited, _ := limiter.IsRateLimited(ctx, "k"); limited {
		t.Fatal("cooldown should expire")
	}
}

func TestSlidingWindowLimiterErrorDecay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newTestLimiter(DefaultConfig())

	for i := 0; i < 4; i++ {
		_ = limiter.RecordMessage(ctx, "k", false)
	}
	if got, _ := limiter.ErrorCount(ctx, "k"); got != 4 {
		t.Fatalf("ErrorCount() = %d, want 4", got)
	}

	_ = limiter.RecordMessage(ctx, "k", true)
	if got, _ := limiter.ErrorCount(ctx, "k"); got != 3 {
		t.Fatalf("ErrorCount() after one success = %d, want 3", got)
	}

	for i := 0; i < 10; i++ {
		_ = limiter.RecordMessage(ctx, "k", true)
	}
	if got, _ := limiter.ErrorCount(ctx, "k"); got != 0 {
		t.Fatalf("ErrorCount() = %d, want floor at 0", got)
	}
}

func TestSlidingWindowLimiterEmptyKeyIsGlobal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter, _ := newTestLimiter(DefaultConfig())

	_ = limiter.RecordMessage(ctx, "", false)
	if got, _ := limiter.ErrorCount(ctx, GlobalKey); got != 1 {
		t.Fatalf("ErrorCount(global) = %d, want 1", got)
	}
	if got, _ := limiter.ErrorCount(ctx, "unknown"); got != 0 {
		t.Fatalf("ErrorCount(unknown) = %d, want 0", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.Normalized()
	def := DefaultConfig()
	if cfg.PerSecond != def.PerSecond || cfg.PerMinute != def.PerMinute || cfg.PerHour != def.PerHour {
		t.Fatalf("Normalized() = %+v, want ceilings from %+v", cfg, def)
	}
}
