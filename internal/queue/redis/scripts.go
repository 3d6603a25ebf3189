package redis

import "github.com/redis/go-redis/v9"

// Operations touching more than one key run as Lua scripts so no other
// client can observe a half-applied transition.

// submitScript stores the envelope only if the id is new, then makes the
// id ready.
//
// KEYS[1] ids hash, KEYS[2] messages list
// ARGV[1] id, ARGV[2] encoded envelope, ARGV[3] "1" when repeating an
// attempt whose reply was lost
// Returns 1 if submitted, 0 if the id already exists. A repeated attempt
// that finds its own envelope stored returns 1 without queueing again.
var submitScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	if ARGV[3] == '1' and redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
		return 1
	end
	return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// releaseScript moves a reserved id back to the ready list and bumps its
// release count. Nothing happens unless the id was reserved, so replaying
// the script after a lost reply is harmless.
//
// KEYS[1] processing list, KEYS[2] releases hash, KEYS[3] messages list
// ARGV[1] id, ARGV[2] "next" to requeue at the take side, "back" for the far end
// Returns the number of entries removed from processing.
var releaseScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 0, ARGV[1])
if removed == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
if ARGV[2] == 'back' then
	redis.call('LPUSH', KEYS[3], ARGV[1])
else
	redis.call('RPUSH', KEYS[3], ARGV[1])
end
return removed
`)

// abortScript moves a reserved id to the failed list, but only if exactly
// one entry was reserved. A message that is already gone stays gone.
//
// KEYS[1] processing list, KEYS[2] failed list
// ARGV[1] id
// Returns the number of entries removed from processing.
var abortScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 0, ARGV[1])
if removed == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
return removed
`)

// peekScript reads the next ids with their envelopes and release counts
// in one consistent snapshot.
//
// KEYS[1] messages list, KEYS[2] ids hash, KEYS[3] releases hash
// ARGV[1] limit
// Returns a flat array of id, envelope, releases triples in list order.
var peekScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], -tonumber(ARGV[1]), -1)
local out = {}
for _, id in ipairs(ids) do
	out[#out + 1] = id
	out[#out + 1] = redis.call('HGET', KEYS[2], id)
	out[#out + 1] = redis.call('HGET', KEYS[3], id)
end
return out
`)
