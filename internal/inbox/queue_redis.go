package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"call-signaling/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// pushScript removes any entry for the same call, appends the new one,
// trims to capacity from the head and refreshes the TTL. Returns the number
// of entries trimmed.
//
// KEYS[1] = inbox list
// ARGV[1] = call id
// ARGV[2] = entry json
// ARGV[3] = capacity
// ARGV[4] = ttl ms
var pushScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
for _, raw in ipairs(items) do
  local ok, e = pcall(cjson.decode, raw)
  if ok and e["callId"] == ARGV[1] then
    redis.call("LREM", KEYS[1], 0, raw)
  end
end
redis.call("RPUSH", KEYS[1], ARGV[2])
local cap = tonumber(ARGV[3])
local n = redis.call("LLEN", KEYS[1])
local trimmed = 0
if n > cap then
  trimmed = n - cap
  redis.call("LTRIM", KEYS[1], trimmed, -1)
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
return trimmed
`)

// drainScript reads and deletes the list atomically.
var drainScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return items
`)

// removeScript drops every entry for one call id.
//
// KEYS[1] = inbox list
// ARGV[1] = call id
var removeScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
local removed = 0
for _, raw in ipairs(items) do
  local ok, e = pcall(cjson.decode, raw)
  if ok and e["callId"] == ARGV[1] then
    removed = removed + redis.call("LREM", KEYS[1], 0, raw)
  end
end
return removed
`)

// RedisQueue shares buffered invites across instances. Entries expire after
// ttl without a push.
type RedisQueue struct {
	rdb      redis.UniversalClient
	prefix   string
	capacity int
	ttl      time.Duration

	OnDrop func(n int)
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string, capacity int, ttl time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "calls"
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, capacity: capacity, ttl: ttl}
}

func (q *RedisQueue) key(responderID string) string {
	return utils.RedisKey(q.prefix, "inbox", responderID)
}

func (q *RedisQueue) Push(ctx context.Context, e Entry) error {
	if e.ResponderID == "" || e.CallID == "" {
		return ErrInvalidEntry
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	trimmed, err := pushScript.Run(ctx, q.rdb, []string{q.key(e.ResponderID)},
		e.CallID, string(b), q.capacity, q.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if trimmed > 0 && q.OnDrop != nil {
		q.OnDrop(trimmed)
	}
	return nil
}

func (q *RedisQueue) Drain(ctx context.Context, responderID string) ([]Entry, error) {
	raws, err := drainScript.Run(ctx, q.rdb, []string{q.key(responderID)}).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, responderID, callID string) error {
	return removeScript.Run(ctx, q.rdb, []string{q.key(responderID)}, callID).Err()
}
