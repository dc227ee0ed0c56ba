package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

const issuePrefix = "otp_issue:"

// slidingWindowScript reserves one issuance slot atomically. Expired members
// are pruned, the remainder counted, and the slot recorded only when below
// the cap. On denial it returns the oldest surviving timestamp so the caller
// can compute when the window frees up. Atomicity in Redis means concurrent
// reservations can never under-count; slight over-admission across instances
// is tolerated by design.
const slidingWindowScript = `
    local key = KEYS[1]
    local now_ms = tonumber(ARGV[1])
    local window_ms = tonumber(ARGV[2])
    local limit = tonumber(ARGV[3])
    local member = ARGV[4]

    redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)

    local count = redis.call('ZCARD', key)
    if count >= limit then
        local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
        return {0, count, tonumber(oldest[2])}
    end

    redis.call('ZADD', key, now_ms, member)
    redis.call('PEXPIRE', key, window_ms)
    return {1, count + 1, 0}
`

// RateLimitCache is the sliding-window issuance limiter, keyed by phone
// hash. State lives entirely in Redis so any service instance sees the same
// window.
type RateLimitCache struct {
	client *client.RedisClient
	window time.Duration
	limit  int
	nowFn  func() time.Time
}

func NewRateLimitCache(redisClient *client.RedisClient, window time.Duration, limit int) *RateLimitCache {
	return &RateLimitCache{
		client: redisClient,
		window: window,
		limit:  limit,
		nowFn:  time.Now,
	}
}

// Reserve counts a new issuance attempt for the phone hash. The reservation
// is kept even if the subsequent delivery fails; a failed send still spends
// a slot.
func (c *RateLimitCache) Reserve(ctx context.Context, phoneHash string) (*model.RateLimitDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := c.nowFn()
	key := issuePrefix + phoneHash

	result, err := c.client.Eval(ctx, slidingWindowScript, []string{key},
		now.UnixMilli(), c.window.Milliseconds(), c.limit, uuid.New().String())
	if err != nil {
		util.Error("Failed to execute sliding window reservation",
			util.String("phone_hash", phoneHash),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to execute sliding window reservation: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected result format from sliding window script")
	}

	allowed := values[0].(int64) == 1
	count := int(values[1].(int64))

	decision := &model.RateLimitDecision{
		Allowed: allowed,
		Count:   count,
	}

	if !allowed {
		oldest := time.UnixMilli(values[2].(int64))
		retryAfter := oldest.Add(c.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		decision.RetryAfter = retryAfter

		util.Warn("OTP issuance rate limited",
			util.String("phone_hash", phoneHash),
			util.Int("count", count),
			util.Duration("retry_after", retryAfter))
	}

	return decision, nil
}
