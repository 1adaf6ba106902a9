package router

// Lua scripts keep each stats update atomic when several gateway instances
// share one Redis.

const (
	// recordScript folds one call into the stats hash.
	//
	// KEYS[1] stats hash, KEYS[2] provider index set.
	// ARGV[1] provider id, ARGV[2] success (1/0), ARGV[3] latency ms,
	// ARGV[4] smoothing factor, ARGV[5] unix millis, ARGV[6] ttl seconds.
	recordScript = `
local key = KEYS[1]
local latency = tonumber(ARGV[3])
local alpha = tonumber(ARGV[4])
local ttl = tonumber(ARGV[6])

local total = redis.call('HINCRBY', key, 'total_requests', 1)
if ARGV[2] == '1' then
    redis.call('HINCRBY', key, 'successful_requests', 1)
else
    redis.call('HINCRBY', key, 'failed_requests', 1)
end

local avg = latency
local prev = redis.call('HGET', key, 'average_latency_ms')
if total > 1 and prev then
    avg = alpha * latency + (1 - alpha) * tonumber(prev)
end
redis.call('HSET', key, 'average_latency_ms', tostring(avg))
redis.call('HSET', key, 'last_used', ARGV[5])

if ttl > 0 then
    redis.call('EXPIRE', key, ttl)
end
redis.call('SADD', KEYS[2], ARGV[1])
return tostring(avg)
`

	// addLoadScript adjusts current_load, clamping at zero.
	//
	// KEYS[1] stats hash, KEYS[2] provider index set.
	// ARGV[1] provider id, ARGV[2] delta.
	addLoadScript = `
local v = redis.call('HINCRBY', KEYS[1], 'current_load', tonumber(ARGV[2]))
if v < 0 then
    redis.call('HSET', KEYS[1], 'current_load', 0)
    v = 0
end
redis.call('SADD', KEYS[2], ARGV[1])
return v
`
)
