package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares session state across instances. Every operation is a
// Lua script so the decide-and-write step is atomic on the server.
type RedisStore struct {
	client redis.UniversalClient
	grace  time.Duration
	idle   time.Duration
}

// redisSession is the wire form; times are unix milliseconds so the Lua
// side can compare them numerically.
type redisSession struct {
	DebridKey       string `json:"debridKey"`
	IP              string `json:"ip"`
	UserID          string `json:"userId"`
	Username        string `json:"username"`
	StartedAtMs     int64  `json:"startedAtMs"`
	LastHeartbeatMs int64  `json:"lastHeartbeatMs"`
	EndsAtMs        int64  `json:"endsAtMs"`
}

func (r redisSession) session() *Session {
	s := &Session{
		DebridKey:     r.DebridKey,
		IP:            r.IP,
		UserID:        r.UserID,
		Username:      r.Username,
		StartedAt:     time.UnixMilli(r.StartedAtMs),
		LastHeartbeat: time.UnixMilli(r.LastHeartbeatMs),
	}
	if r.EndsAtMs > 0 {
		s.EndsAt = time.UnixMilli(r.EndsAtMs)
	}
	return s
}

// acquireScript decides admission server-side. Returns the blocking
// session's JSON on deny; on admit, 1 when the claim was created (fresh or
// resurrected after an End) and 0 for a same-device refresh.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local idle = tonumber(ARGV[2])
if cur then
  local s = cjson.decode(cur)
  local expired = false
  if s.endsAtMs > 0 and now >= s.endsAtMs then expired = true end
  if now - s.lastHeartbeatMs > idle then expired = true end
  if not expired then
    if s.ip ~= ARGV[4] then
      return cur
    end
    local created = 0
    if s.endsAtMs > 0 then created = 1 end
    s.lastHeartbeatMs = now
    s.endsAtMs = 0
    redis.call('SET', KEYS[1], cjson.encode(s))
    return created
  end
  redis.call('SET', KEYS[1], ARGV[3])
  if s.endsAtMs > 0 then return 1 end
  return 0
end
redis.call('SET', KEYS[1], ARGV[3])
return 1
`)

// heartbeatScript refreshes the claim when the IP matches.
var heartbeatScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return false end
local s = cjson.decode(cur)
if s.ip ~= ARGV[2] then return false end
s.lastHeartbeatMs = tonumber(ARGV[1])
s.endsAtMs = 0
redis.call('SET', KEYS[1], cjson.encode(s))
return true
`)

// endScript schedules removal after the grace window when the IP matches.
// Returns 1 only for the End that released a live claim.
var endScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local s = cjson.decode(cur)
if s.ip ~= ARGV[2] then return 0 end
local released = 0
if s.endsAtMs == 0 then released = 1 end
s.endsAtMs = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(s))
return released
`)

// NewRedisStore builds a redis-backed store with the given expiry policy.
func NewRedisStore(client redis.UniversalClient, grace, idle time.Duration) *RedisStore {
	return &RedisStore{client: client, grace: grace, idle: idle}
}

func sessionKey(debridKey string) string {
	return "strand:session:" + debridKey
}

// Acquire implements Store.
func (r *RedisStore) Acquire(ctx context.Context, candidate Session, now time.Time) (Verdict, error) {
	payload, err := json.Marshal(redisSession{
		DebridKey:       candidate.DebridKey,
		IP:              candidate.IP,
		UserID:          candidate.UserID,
		Username:        candidate.Username,
		StartedAtMs:     candidate.StartedAt.UnixMilli(),
		LastHeartbeatMs: candidate.LastHeartbeat.UnixMilli(),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("encode session: %w", err)
	}

	res, err := acquireScript.Run(ctx, r.client,
		[]string{sessionKey(candidate.DebridKey)},
		now.UnixMilli(), r.idle.Milliseconds(), string(payload), candidate.IP,
	).Result()
	if err != nil {
		return Verdict{}, fmt.Errorf("session acquire: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		created, _ := res.(int64)
		return Verdict{Admitted: true, Created: created == 1}, nil
	}
	var blocking redisSession
	if err := json.Unmarshal([]byte(raw), &blocking); err != nil {
		return Verdict{}, fmt.Errorf("decode blocking session: %w", err)
	}
	return Verdict{Admitted: false, Active: blocking.session()}, nil
}

// Heartbeat implements Store.
func (r *RedisStore) Heartbeat(ctx context.Context, debridKey, ip string, now time.Time) error {
	err := heartbeatScript.Run(ctx, r.client,
		[]string{sessionKey(debridKey)}, now.UnixMilli(), ip,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session heartbeat: %w", err)
	}
	return nil
}

// End implements Store.
func (r *RedisStore) End(ctx context.Context, debridKey, ip string, now time.Time) (bool, error) {
	released, err := endScript.Run(ctx, r.client,
		[]string{sessionKey(debridKey)}, now.Add(r.grace).UnixMilli(), ip,
	).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("session end: %w", err)
	}
	return released == 1, nil
}
