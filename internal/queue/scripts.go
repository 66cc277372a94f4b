package queue

import "github.com/redis/go-redis/v9"

// Every state change of a job is one of these scripts. Times are unix
// milliseconds supplied by the caller. ARGV prefix is "q:<name>:job:".

// KEYS job, wait, delayed. ARGV id, payload, max, now, readyAt.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'payload', ARGV[2], 'attempts', 0, 'max', ARGV[3],
  'state', 'waiting', 'enqueued_at', ARGV[4], 'lease', '')
if tonumber(ARGV[5]) > tonumber(ARGV[4]) then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS wait, active. ARGV prefix, now, leaseMs, token.
// Returns nil when empty, {id} for an orphaned id, else {id, payload, attempts, max}.
var claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local jk = ARGV[1] .. id
if redis.call('EXISTS', jk) == 0 then
  return {id}
end
local attempts = redis.call('HINCRBY', jk, 'attempts', 1)
redis.call('HSET', jk, 'state', 'active', 'lease', ARGV[4], 'started_at', ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + tonumber(ARGV[3]), id)
return {id, redis.call('HGET', jk, 'payload'), attempts, tonumber(redis.call('HGET', jk, 'max'))}
`)

// KEYS job, active, completed. ARGV id, token, now, keep, prefix.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
local keep = tonumber(ARGV[4])
if keep <= 0 then
  redis.call('DEL', KEYS[1])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', ARGV[3], 'lease', '')
redis.call('LPUSH', KEYS[3], ARGV[1])
while redis.call('LLEN', KEYS[3]) > keep do
  local old = redis.call('RPOP', KEYS[3])
  redis.call('DEL', ARGV[5] .. old)
end
return 1
`)

// KEYS job, active, delayed, failed. ARGV id, token, now, error, retryAt, keep, prefix, permanent.
// Returns -1 for a stale lease, 0 when scheduled for retry, 1 when moved to failed.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return -1
end
redis.call('ZREM', KEYS[2], ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local max = tonumber(redis.call('HGET', KEYS[1], 'max'))
redis.call('HSET', KEYS[1], 'last_error', ARGV[4], 'lease', '')
if ARGV[8] == '1' or attempts >= max then
  redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[3])
  redis.call('LPUSH', KEYS[4], ARGV[1])
  local keep = tonumber(ARGV[6])
  while redis.call('LLEN', KEYS[4]) > keep do
    local old = redis.call('RPOP', KEYS[4])
    redis.call('DEL', ARGV[7] .. old)
  end
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'delayed', 'retry_at', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 0
`)

// KEYS delayed, wait. ARGV now, prefix, limit.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// KEYS active, wait, failed. ARGV now, prefix, keep, limit.
// Requeues jobs whose lease ran out; a job on its last attempt goes to failed.
// Returns {requeued, failed}.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local requeued, failed = 0, 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    redis.call('HSET', jk, 'lease', '')
    local attempts = tonumber(redis.call('HGET', jk, 'attempts'))
    local max = tonumber(redis.call('HGET', jk, 'max'))
    if attempts >= max then
      redis.call('HSET', jk, 'state', 'failed', 'finished_at', ARGV[1], 'last_error', 'lease expired')
      redis.call('LPUSH', KEYS[3], id)
      local keep = tonumber(ARGV[3])
      while redis.call('LLEN', KEYS[3]) > keep do
        local old = redis.call('RPOP', KEYS[3])
        redis.call('DEL', ARGV[2] .. old)
      end
      failed = failed + 1
    else
      redis.call('HSET', jk, 'state', 'waiting')
      redis.call('RPUSH', KEYS[2], id)
      requeued = requeued + 1
    end
  end
end
return {requeued, failed}
`)
