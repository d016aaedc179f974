package limits

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims entries older than the retention horizon, counts
// the entries still inside the rate window, and appends the new member only
// when there is room. Count and append happen in one script execution, so two
// concurrent requests cannot both observe the last free slot. Returns
// {allowed, used, retry_ms} where retry_ms is the time until the oldest
// in-window entry leaves the window.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local retention = tonumber(ARGV[3])
local max = tonumber(ARGV[4])
local member = ARGV[5]
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - retention)
local from = now - window
local used = redis.call("ZCOUNT", KEYS[1], from, "+inf")
if used < max then
  redis.call("ZADD", KEYS[1], now, member)
  redis.call("PEXPIRE", KEYS[1], retention)
  return {1, used + 1, 0}
end
local oldest = redis.call("ZRANGEBYSCORE", KEYS[1], from, "+inf", "WITHSCORES", "LIMIT", 0, 1)
local retry = 0
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, used, retry}
`)

type RateResult struct {
	Allowed    bool
	Used       int64
	RetryAfter time.Duration
}

// RateLimiter keeps one sorted set of request timestamps per key. Entries are
// retained for the longer of the rate window and the duplicate window so the
// same set doubles as the duplicate-detection history.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
}

func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{redis: rdb, prefix: "chadbot:window"}
}

// AllowGuild runs the guild-level sliding window check and records the
// request timestamp on allow.
func (r *RateLimiter) AllowGuild(ctx context.Context, guildID, kind, requestID string, now time.Time, window, retention time.Duration, max int64) (RateResult, error) {
	key := fmt.Sprintf("%s:g:%s:%s", r.prefix, guildID, kind)
	return r.check(ctx, key, requestID, now, window, retention, max)
}

// AllowUser runs the per-user check. The recorded member carries the
// normalized prompt hash so RecentHashes can serve duplicate detection from
// the same set.
func (r *RateLimiter) AllowUser(ctx context.Context, guildID, userID, kind, requestID string, promptHash uint64, now time.Time, window, retention time.Duration, max int64) (RateResult, error) {
	key := r.userKey(guildID, userID, kind)
	member := requestID + ":" + strconv.FormatUint(promptHash, 16)
	return r.check(ctx, key, member, now, window, retention, max)
}

// Record writes the request into the user set without enforcing a cap.
// Used when no user rate window is configured but duplicate detection
// still needs the history.
func (r *RateLimiter) Record(ctx context.Context, guildID, userID, kind, requestID string, promptHash uint64, now time.Time, retention time.Duration) error {
	key := r.userKey(guildID, userID, kind)
	member := requestID + ":" + strconv.FormatUint(promptHash, 16)
	pipe := r.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli()-retention.Milliseconds(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.PExpire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record window entry: %w", err)
	}
	return nil
}

// RecentHashes returns the normalized prompt hashes the user submitted
// within the duplicate window, read from the same sorted set AllowUser
// writes.
func (r *RateLimiter) RecentHashes(ctx context.Context, guildID, userID, kind string, now time.Time, dupWindow time.Duration) ([]uint64, error) {
	key := r.userKey(guildID, userID, kind)
	from := strconv.FormatInt(now.UnixMilli()-dupWindow.Milliseconds(), 10)
	members, err := r.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: from, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent window: %w", err)
	}

	out := make([]uint64, 0, len(members))
	for _, m := range members {
		idx := strings.LastIndexByte(m, ':')
		if idx < 0 {
			continue
		}
		h, err := strconv.ParseUint(m[idx+1:], 16, 64)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (r *RateLimiter) check(ctx context.Context, key, member string, now time.Time, window, retention time.Duration, max int64) (RateResult, error) {
	if retention < window {
		retention = window
	}
	res, err := slidingWindowScript.Run(ctx, r.redis, []string{key},
		now.UnixMilli(), window.Milliseconds(), retention.Milliseconds(), max, member,
	).Int64Slice()
	if err != nil {
		return RateResult{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(res) != 3 {
		return RateResult{}, fmt.Errorf("sliding window script returned %d values", len(res))
	}
	return RateResult{
		Allowed:    res[0] == 1,
		Used:       res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (r *RateLimiter) userKey(guildID, userID, kind string) string {
	return fmt.Sprintf("%s:u:%s:%s:%s", r.prefix, guildID, userID, kind)
}
