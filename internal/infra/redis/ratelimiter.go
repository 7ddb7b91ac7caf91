package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/wa-dispatcher/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "ratelimit"
	hourMillis  = int64(time.Hour / time.Millisecond)
	minMillis   = int64(time.Minute / time.Millisecond)
	secMillis   = int64(time.Second / time.Millisecond)
	minStateTTL = 2 * time.Hour
)

// Returns 0 when allowed, otherwise the index of the first ceiling hit:
// 1 second, 2 minute, 3 hour, 4 cooldown.
var checkScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[6])
if redis.call("ZCOUNT", KEYS[1], ARGV[7], "+inf") >= tonumber(ARGV[2]) then
  return 1
end
if redis.call("ZCOUNT", KEYS[1], ARGV[8], "+inf") >= tonumber(ARGV[3]) then
  return 2
end
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[4]) then
  return 3
end
local errors = tonumber(redis.call("HGET", KEYS[2], "errors") or "0")
local lastError = tonumber(redis.call("HGET", KEYS[2], "last_error") or "0")
if errors > 0 and now - lastError < tonumber(ARGV[5]) then
  return 4
end
return 0
`)

var recordScript = goredis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
if ARGV[3] == "1" then
  local errors = tonumber(redis.call("HGET", KEYS[2], "errors") or "0")
  if errors > 0 then
    redis.call("HINCRBY", KEYS[2], "errors", -1)
  end
else
  redis.call("HINCRBY", KEYS[2], "errors", 1)
  redis.call("HSET", KEYS[2], "last_error", ARGV[1])
end
redis.call("PEXPIRE", KEYS[2], ARGV[4])
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a sliding-window limiter shared by every process that
// points at the same Redis. Each key owns a sorted set of send timestamps and
// a hash holding its error state.
type RedisRateLimiter struct {
	client   *goredis.Client
	cfg      ratelimit.Config
	now      func() time.Time
	newID    func() string
	check    *goredis.Script
	record   *goredis.Script
	stateTTL time.Duration
}

func NewRedisRateLimiter(client *goredis.Client, cfg ratelimit.Config) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, cfg, time.Now)
}

func newRedisRateLimiter(
	client *goredis.Client,
	cfg ratelimit.Config,
	nowFn func() time.Time,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	cfg = cfg.Normalized()
	ttl := minStateTTL
	if cfg.Cooldown+time.Hour > ttl {
		ttl = cfg.Cooldown + time.Hour
	}

	return &RedisRateLimiter{
		client:   client,
		cfg:      cfg,
		now:      nowFn,
		newID:    uuid.NewString,
		check:    checkScript,
		record:   recordScript,
		stateTTL: ttl,
	}, nil
}

func (r *RedisRateLimiter) IsRateLimited(ctx context.Context, key string) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := r.nowMillis()
	sendsKey, stateKey := keysFor(key)
	result, err := r.check.Run(ctx, r.client, []string{sendsKey, stateKey},
		now,
		r.cfg.PerSecond,
		r.cfg.PerMinute,
		r.cfg.PerHour,
		r.cfg.Cooldown.Milliseconds(),
		strconv.FormatInt(now-hourMillis, 10),
		exclusive(now-secMillis),
		exclusive(now-minMillis),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result != 0, nil
}

func (r *RedisRateLimiter) RecordMessage(ctx context.Context, key string, success bool) error {
	if err := r.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	flag := "0"
	if success {
		flag = "1"
	}

	now := r.nowMillis()
	member := strconv.FormatInt(now, 10) + ":" + r.newID()

	sendsKey, stateKey := keysFor(key)
	if err := r.record.Run(ctx, r.client, []string{sendsKey, stateKey},
		now,
		member,
		flag,
		r.stateTTL.Milliseconds(),
	).Err(); err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}

	return nil
}

func (r *RedisRateLimiter) ErrorCount(ctx context.Context, key string) (int, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, stateKey := keysFor(key)
	count, err := r.client.HGet(ctx, stateKey, "errors").Int()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read error count: %w", err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func (r *RedisRateLimiter) ready() error {
	if r == nil || r.client == nil || r.check == nil || r.record == nil {
		return fmt.Errorf("rate limiter is not initialized")
	}
	return nil
}

func (r *RedisRateLimiter) nowMillis() int64 {
	return r.now().UTC().UnixMilli()
}

// exclusive renders a ZCOUNT lower bound that excludes score itself.
func exclusive(score int64) string {
	return "(" + strconv.FormatInt(score, 10)
}

func keysFor(key string) (sends string, state string) {
	normalized := ratelimit.NormalizeKey(key)
	return fmt.Sprintf("%s:%s:sends", keyPrefix, normalized), fmt.Sprintf("%s:%s:state", keyPrefix, normalized)
}
