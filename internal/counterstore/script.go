package counterstore

import "github.com/redis/go-redis/v9"

// checkAndRecordScript implements the atomic sliding-window check-and-record
// operation against a Redis sorted set. Arguments, in order: key,
// lookback_tick, now_tick, max_count, window_ticks, max_sleep_seconds,
// clock_accuracy. Result: a two-element integer list [remaining,
// retry_after_seconds].
//
// The window is represented as a sorted set of recorded tick timestamps,
// scored by the tick value itself, so ZREMRANGEBYSCORE prunes expired
// entries in the same round trip that counts and (conditionally) records.
// Members are "<now_tick>:<seq>", not the bare tick: ZSET members must be
// unique, and two requests landing in the same tick (trivial under any real
// concurrent burst at clock_accuracy=1000) would otherwise collide on a
// single member, turning the second ZADD into a no-op rescore that never
// grows ZCARD. The per-key sequence counter disambiguates same-tick entries
// while the score used for pruning and earliest-entry lookup stays the tick.
var checkAndRecordScript = redis.NewScript(`
local key = KEYS[1]
local lookback_tick = tonumber(ARGV[1])
local now_tick = tonumber(ARGV[2])
local max_count = tonumber(ARGV[3])
local window_ticks = tonumber(ARGV[4])
local max_sleep_seconds = tonumber(ARGV[5])
local clock_accuracy = tonumber(ARGV[6])

local seq_key = key .. ":seq"
local ttl_ms = math.ceil(window_ticks * 1000 / clock_accuracy)

redis.call("ZREMRANGEBYSCORE", key, "-inf", lookback_tick)

local current = redis.call("ZCARD", key)

if current < max_count then
	local seq = redis.call("INCR", seq_key)
	redis.call("PEXPIRE", seq_key, ttl_ms)
	redis.call("ZADD", key, now_tick, now_tick .. ":" .. seq)
	redis.call("PEXPIRE", key, ttl_ms)
	return {max_count - current - 1, 0}
end

local earliest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local t0 = tonumber(earliest[2])
local retry_after_ticks = t0 + window_ticks - now_tick
if retry_after_ticks < 1 then
	retry_after_ticks = 1
end

local retry_after_seconds = retry_after_ticks / clock_accuracy
local max_sleep_ticks = max_sleep_seconds * clock_accuracy

if retry_after_ticks <= max_sleep_ticks then
	local seq = redis.call("INCR", seq_key)
	redis.call("PEXPIRE", seq_key, ttl_ms)
	redis.call("ZADD", key, now_tick, now_tick .. ":" .. seq)
	redis.call("PEXPIRE", key, ttl_ms)
end

return {0, math.ceil(retry_after_seconds)}
`)

// multiSetWithTTLScript atomically writes a set of field/value pairs, each
// with its own TTL in seconds, used by the remote limit provider to cache a
// quota-service response. Arguments: alternating key, value, ttl_seconds
// triples via KEYS/ARGV pairing handled by the caller.
var multiSetWithTTLScript = redis.NewScript(`
for i = 1, #KEYS do
	local value = ARGV[2 * i - 1]
	local ttl_seconds = tonumber(ARGV[2 * i])
	redis.call("SET", KEYS[i], value, "EX", ttl_seconds)
end
return "OK"
`)
