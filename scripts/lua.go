package scripts

// Script is a named Lua program executed atomically by the store
type Script struct {
	Name   string
	Source string
	// Idempotent scripts may run twice with the same effect, so Run retries
	// them on transient store errors
	Idempotent bool
}

// All TTL arguments are milliseconds; 0 means no expiry.
var (
	conditionalIncrement = Script{
		Name: "conditional_increment",
		Source: `
local old = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local new = old + delta
if ceiling > 0 and new > ceiling then
  return {0, old, old}
end
redis.call('INCRBY', KEYS[1], delta)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {1, old, new}
`,
	}

	compareAndSet = Script{
		Name: "compare_and_set",
		Source: `
local cur = redis.call('GET', KEYS[1])
if not cur then cur = '' end
if cur ~= ARGV[1] then
  return {0, cur}
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return {1, ARGV[2]}
`,
	}

	slidingWindowRateLimit = Script{
		Name: "rate_limit",
		Source: `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  count = count + 1
  allowed = 1
end
local reset = now + window
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
local remaining = limit - count
if remaining < 0 then remaining = 0 end
return {allowed, count, remaining, reset}
`,
	}

	getAndRefresh = Script{
		Name:       "get_and_refresh",
		Idempotent: true,
		Source: `
local v = redis.call('GET', KEYS[1])
if v and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`,
	}

	rotateQueue = Script{
		Name: "rotate_queue",
		Source: `
local moved = 0
for i = 1, tonumber(ARGV[1]) do
  local v = redis.call('LPOP', KEYS[1])
  if not v then break end
  redis.call('RPUSH', KEYS[2], v)
  moved = moved + 1
end
return moved
`,
	}

	incrementWithExpire = Script{
		Name: "increment_with_expire",
		Source: `
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`,
	}

	hashCompareAndSet = Script{
		Name: "hash_compare_and_set",
		Source: `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then cur = '' end
if cur ~= ARGV[2] then
  return {0, cur}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return {1, ARGV[3]}
`,
	}

	multiSet = Script{
		Name:       "multi_set",
		Idempotent: true,
		Source: `
local ttl = tonumber(ARGV[#ARGV])
for i, key in ipairs(KEYS) do
  if ttl > 0 then
    redis.call('SET', key, ARGV[i], 'PX', ttl)
  else
    redis.call('SET', key, ARGV[i])
  end
end
return #KEYS
`,
	}

	stampedeGuard = Script{
		Name: "stampede_guard",
		Source: `
local v = redis.call('GET', KEYS[1])
if v then
  return {1, v, 0}
end
local ok = redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2])
if ok then
  return {0, '', 1}
end
return {0, '', 0}
`,
	}

	releaseLock = Script{
		Name: "release_lock",
		Source: `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`,
	}
)

// Builtin returns every script the executor knows, for preloading
func Builtin() []Script {
	return []Script{
		conditionalIncrement,
		compareAndSet,
		slidingWindowRateLimit,
		getAndRefresh,
		rotateQueue,
		incrementWithExpire,
		hashCompareAndSet,
		multiSet,
		stampedeGuard,
		releaseLock,
	}
}
