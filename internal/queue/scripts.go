package queue

import r "github.com/redis/go-redis/v9"

// Every state transition runs as one script so Redis serializes it against
// all other leases, acks and fails. Timestamps are computed by the caller and
// passed as ARGV strings; scripts never format numbers themselves.

// Ownership results shared by ack, extend and fail.
const (
	codeOK       = 1
	codeFailed   = 2
	codeNotFound = -1
	codeNotOwner = -2
	codeTerminal = -3
)

// fail_expired moves an exhausted, expired lease to failed and queues its
// id on the reaped list so its status record can be closed.
const failExpiredLua = `
local function fail_expired(jk, id, now, msg, leased, terminal, reaped)
  redis.call('ZREM', leased, id)
  redis.call('HSET', jk, 'state', 'failed', 'completed_at', now, 'last_error', msg, 'lease_owner', '')
  redis.call('HDEL', jk, 'lease_expires_at')
  redis.call('ZADD', terminal, now, id)
  redis.call('RPUSH', reaped, id)
end
`

// KEYS: leased, reaped, terminal, pending:{class}... in lease order
// ARGV: now, worker, expires_at, prefix, expired message
var leaseScript = r.NewScript(failExpiredLua + `
local function claim(id)
  local jk = ARGV[4] .. 'job:' .. id
  redis.call('HINCRBY', jk, 'attempt', 1)
  redis.call('HSET', jk, 'state', 'leased', 'lease_owner', ARGV[2],
    'lease_expires_at', ARGV[3], 'leased_at', ARGV[1])
  redis.call('ZADD', KEYS[1], ARGV[3], id)
  return redis.call('HGETALL', jk)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 32)
for _, id in ipairs(expired) do
  local jk = ARGV[4] .. 'job:' .. id
  local f = redis.call('HMGET', jk, 'attempt', 'max_attempts')
  if not f[1] then
    redis.call('ZREM', KEYS[1], id)
  elseif tonumber(f[1]) < tonumber(f[2]) then
    return claim(id)
  else
    fail_expired(jk, id, ARGV[1], ARGV[5], KEYS[1], KEYS[3], KEYS[2])
  end
end

for i = 4, #KEYS do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #ids > 0 then
    redis.call('ZREM', KEYS[i], ids[1])
    return claim(ids[1])
  end
end
return false
`)

// KEYS: job, leased
// ARGV: worker, attempt, expires_at, id
var extendScript = r.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_owner', 'attempt')
if not f[1] then return -1 end
if f[1] ~= 'leased' or f[2] ~= ARGV[1] or f[3] ~= ARGV[2] then return -2 end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS: job, leased, terminal
// ARGV: worker, attempt, now, id
var ackScript = r.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_owner', 'attempt')
if not f[1] then return -1 end
if f[2] ~= ARGV[1] or f[3] ~= ARGV[2] then return -2 end
if f[1] ~= 'leased' then return -3 end
redis.call('HSET', KEYS[1], 'state', 'completed', 'completed_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'lease_expires_at')
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
return 1
`)

// KEYS: job, leased, terminal
// ARGV: worker, attempt, now, id, reason, visible_at, prefix
var failScript = r.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_owner', 'attempt', 'max_attempts', 'priority')
if not f[1] then return -1 end
if f[2] ~= ARGV[1] or f[3] ~= ARGV[2] then return -2 end
if f[1] ~= 'leased' then return -3 end
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HDEL', KEYS[1], 'lease_expires_at')
if tonumber(f[3]) < tonumber(f[4]) then
  redis.call('HSET', KEYS[1], 'state', 'pending', 'lease_owner', '', 'last_error', ARGV[5], 'run_at', ARGV[6])
  redis.call('ZADD', ARGV[7] .. 'pending:' .. f[5], ARGV[6], ARGV[4])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'completed_at', ARGV[3], 'last_error', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
return 2
`)

// KEYS: leased, reaped, terminal
// ARGV: now, prefix, batch, expired message
var reapScript = r.NewScript(failExpiredLua + `
local batch = tonumber(ARGV[3])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
  local jk = ARGV[2] .. 'job:' .. id
  local f = redis.call('HMGET', jk, 'attempt', 'max_attempts')
  if not f[1] then
    redis.call('ZREM', KEYS[1], id)
  elseif tonumber(f[1]) >= tonumber(f[2]) then
    fail_expired(jk, id, ARGV[1], ARGV[4], KEYS[1], KEYS[3], KEYS[2])
  end
end

return redis.call('LRANGE', KEYS[2], 0, batch - 1)
`)

// KEYS: terminal
// ARGV: cutoff, prefix, batch
var purgeScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. 'job:' .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)
