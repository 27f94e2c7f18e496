package redisstore

import "github.com/redis/go-redis/v9"

// liveFn returns 1 for a live session, 0 for a missing one and -1 for an
// expired one.
const liveFn = `
local function live(meta, now)
  local exp = redis.call('HGET', meta, 'expires_at')
  if not exp then return 0 end
  exp = tonumber(exp)
  if exp > 0 and exp <= now then return -1 end
  return 1
end
`

// KEYS: meta, types. ARGV: now, expires_at, values prefix, names prefix.
var createSessionScript = redis.NewScript(liveFn + `
local meta, types = KEYS[1], KEYS[2]
local now = tonumber(ARGV[1])
if live(meta, now) == -1 then
  for _, typ in ipairs(redis.call('SMEMBERS', types)) do
    redis.call('DEL', ARGV[3] .. typ, ARGV[4] .. typ)
  end
  redis.call('DEL', types, meta)
end
if redis.call('EXISTS', meta) == 0 then
  redis.call('HSET', meta, 'created_at', ARGV[1])
end
redis.call('HSET', meta, 'expires_at', ARGV[2])
return 1
`)

// KEYS: meta. ARGV: now, expires_at.
var touchSessionScript = redis.NewScript(liveFn + `
local l = live(KEYS[1], tonumber(ARGV[1]))
if l == 1 then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
end
return l
`)

// KEYS: meta, types. ARGV: now, values prefix, names prefix, only expired (1/0).
var deleteSessionScript = redis.NewScript(liveFn + `
local meta, types = KEYS[1], KEYS[2]
if ARGV[4] == '1' and live(meta, tonumber(ARGV[1])) ~= -1 then
  return 0
end
for _, typ in ipairs(redis.call('SMEMBERS', types)) do
  redis.call('DEL', ARGV[2] .. typ, ARGV[3] .. typ)
end
redis.call('DEL', types, meta)
return 1
`)

// KEYS: meta, types, values, names. ARGV: now, type, name, value.
var setValueScript = redis.NewScript(liveFn + `
local l = live(KEYS[1], tonumber(ARGV[1]))
if l ~= 1 then return l end
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
redis.call('ZADD', KEYS[4], 0, ARGV[3])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// KEYS: meta, values, names. ARGV: now, name.
var deleteValueScript = redis.NewScript(liveFn + `
local l = live(KEYS[1], tonumber(ARGV[1]))
if l ~= 1 then return l end
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
return 1
`)
