package store

// slidingWindowScript implements the atomic sliding-window token bucket
// from spec §4.2: remove entries older than now-window, read
// cardinality, admit and record if under limit, refresh TTL. Per the
// open question in spec §9, the window cutoff and the member score
// both use the store's own clock (TIME) rather than a caller-supplied
// timestamp, so a skewed client clock can never bypass the limit.
//
// KEYS[1] = sorted-set key
// ARGV[1] = window seconds
// ARGV[2] = limit
// ARGV[3] = request id (sorted-set member, made unique by TIME+id)
//
// Returns {allowed, remaining, resetTime, limit}.
const slidingWindowScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local reqid = ARGV[3]

local time_parts = redis.call("TIME")
local now = tonumber(time_parts[1])
local cutoff = now - window

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, now .. ":" .. reqid)
  redis.call("EXPIRE", key, window)
  allowed = 1
  count = count + 1
end

local remaining = limit - count
if remaining < 0 then
  remaining = 0
end

return {allowed, remaining, now + window, limit}
`
