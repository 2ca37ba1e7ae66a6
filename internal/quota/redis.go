package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript counts requests and tokens in the sliding window atomically.
// KEYS[1] = request zset, KEYS[2] = token zset
// ARGV[1] = now (ns), ARGV[2] = window (ns)
// Returns {requestCount, tokenSum}.
var checkScript = redis.NewScript(`
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
		redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, now - window)

		local requests = redis.call('ZCARD', KEYS[1])

		local tokens = 0
		local members = redis.call('ZRANGE', KEYS[2], 0, -1)
		for _, m in ipairs(members) do
			-- member format: "<ns>:<rand>:<tokens>"
			local count = string.match(m, ":(%d+)$")
			if count then
				tokens = tokens + tonumber(count)
			end
		end

		return {requests, tokens}
`)

// recordScript appends one request and its token count to the window.
// KEYS[1] = request zset, KEYS[2] = token zset
// ARGV[1] = now (ns), ARGV[2] = window (ns), ARGV[3] = tokens
var recordScript = redis.NewScript(`
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		local member = tostring(now) .. ':' .. tostring(math.random(1, 1000000))
		redis.call('ZADD', KEYS[1], now, member)
		redis.call('ZADD', KEYS[2], now, member .. ':' .. ARGV[3])

		local ttl = math.ceil(window / 1000000)
		redis.call('PEXPIRE', KEYS[1], ttl)
		redis.call('PEXPIRE', KEYS[2], ttl)
		return 1
`)

// RedisTracker shares the quota window across replicas via Redis sorted sets.
// On Redis failure it degrades to admitting requests rather than blocking
// traffic on an observability dependency.
type RedisTracker struct {
	rdb *redis.Client
}

// NewRedisTracker wraps an existing Redis client.
func NewRedisTracker(rdb *redis.Client) *RedisTracker {
	return &RedisTracker{rdb: rdb}
}

func requestKey(providerKey string) string { return "quota:req:" + providerKey }
func tokenKey(providerKey string) string   { return "quota:tok:" + providerKey }

// Check implements Tracker.
func (t *RedisTracker) Check(ctx context.Context, providerKey string, limits Limits) (Decision, error) {
	if limits.RPM == nil && limits.TPM == nil {
		return Decision{Allowed: true}, nil
	}

	now := time.Now().UnixNano()
	res, err := checkScript.Run(ctx, t.rdb,
		[]string{requestKey(providerKey), tokenKey(providerKey)},
		now, Window.Nanoseconds(),
	).Int64Slice()
	if err != nil {
		// Redis unavailable — admit (graceful degradation).
		return Decision{Allowed: true}, nil
	}
	if len(res) != 2 {
		return Decision{Allowed: true}, fmt.Errorf("quota: unexpected script result %v", res)
	}

	return decide(int(res[0]), int(res[1]), limits), nil
}

// Record implements Tracker.
func (t *RedisTracker) Record(ctx context.Context, providerKey string, inputTokens, outputTokens int) error {
	now := time.Now().UnixNano()
	return recordScript.Run(ctx, t.rdb,
		[]string{requestKey(providerKey), tokenKey(providerKey)},
		now, Window.Nanoseconds(), inputTokens+outputTokens,
	).Err()
}
