package jobs

import "github.com/redis/go-redis/v9"

// KEYS: idem, doc, ready, tenant pending, stats, queues
// ARGV: id, doc, score, use idem ("1"/"0"), queue name
var enqueueScript = redis.NewScript(`
if ARGV[4] == '1' then
  local existing = redis.call('GET', KEYS[1])
  if existing and redis.call('EXISTS', 'job:' .. existing) == 1 then
    return existing
  end
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('HINCRBY', KEYS[5], 'enqueued', 1)
redis.call('SADD', KEYS[6], ARGV[5])
return ARGV[1]
`)

// KEYS: ready, running, stats
// ARGV: now (unix seconds), lease deadline (unix ms), token, visibility (ms), now (RFC 3339)
//
// The document header written by Job's encoder is rewritten in place to
// mark the job running.
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
for p = 0, 9 do
  local base = p * 10000000000
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], base, base + now, 'LIMIT', 0, 1)
  if #ids > 0 then
    local id = ids[1]
    redis.call('ZREM', KEYS[1], id)
    local doc = redis.call('GET', 'job:' .. id)
    if not doc then
      return {id, ''}
    end
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('SET', 'job:' .. id .. ':lease', ARGV[3], 'PX', ARGV[4])
    redis.call('HINCRBY', KEYS[3], 'dequeued', 1)
    local rest = string.match(doc, '^{"status":"[%a_]+",(.*)$')
    if rest then
      rest = string.gsub(rest, '^"started_at":"[^"]*",', '', 1)
      rest = string.gsub(rest, '^"updated_at":"[^"]*",', '', 1)
      doc = '{"status":"running","started_at":"' .. ARGV[5] .. '","updated_at":"' .. ARGV[5] .. '",' .. rest
      redis.call('SET', 'job:' .. id, doc)
    end
    return {id, doc}
  end
end
return false
`)

// KEYS: lease, running
// ARGV: token, visibility (ms), id, lease deadline (unix ms)
var heartbeatScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', ARGV[4], ARGV[3])
return 1
`)

// KEYS: lease, doc
// ARGV: token, doc
var touchScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

// KEYS: lease, doc, running, stats, idem, tenant pending
// ARGV: token, doc, retention (s), id, stats field
var finishScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('ZREM', KEYS[3], ARGV[4])
redis.call('DEL', KEYS[1])
redis.call('HINCRBY', KEYS[4], ARGV[5], 1)
if redis.call('GET', KEYS[5]) == ARGV[4] then
  redis.call('DEL', KEYS[5])
end
redis.call('SREM', KEYS[6], ARGV[4])
return 1
`)

// KEYS: lease, doc, running, ready, tenant pending, stats
// ARGV: token, doc, id, score
var requeueScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[3])
redis.call('DEL', KEYS[1])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[3])
redis.call('SADD', KEYS[5], ARGV[3])
redis.call('HINCRBY', KEYS[6], 'retried', 1)
return 1
`)

// KEYS: doc, ready, idem, tenant pending, stats
// ARGV: expected doc, cancelled doc, retention (s), id
var cancelScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if redis.call('ZREM', KEYS[2], ARGV[4]) == 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
if redis.call('GET', KEYS[3]) == ARGV[4] then
  redis.call('DEL', KEYS[3])
end
redis.call('SREM', KEYS[4], ARGV[4])
redis.call('HINCRBY', KEYS[5], 'cancelled', 1)
return 1
`)

// KEYS: doc, running, ready, tenant pending, lease, stats
// ARGV: expected doc, pending doc, id, now (unix ms), score
var reclaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local deadline = redis.call('ZSCORE', KEYS[2], ARGV[3])
if not deadline or tonumber(deadline) > tonumber(ARGV[4]) then
  return 0
end
if redis.call('EXISTS', KEYS[5]) == 1 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[3])
redis.call('SADD', KEYS[4], ARGV[3])
redis.call('HINCRBY', KEYS[6], 'reclaimed', 1)
return 1
`)
