package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/oidc-sessions/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// Client, when set, is used instead of dialing RedisAddr. The Host takes
	// ownership and closes it in Close.
	Client redis.UniversalClient

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword for AUTH. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// RedisDB selects the logical database. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX"`
	// DisableScripting replaces the atomic Lua index upsert with a
	// non-atomic pipeline, for Redis-compatible servers without EVAL.
	// ENV: SESSIONS_DISABLE_SCRIPTING
	DisableScripting bool `env:"SESSIONS_DISABLE_SCRIPTING,default=false"`
}

type Host struct {
	client    redis.UniversalClient
	keyPrefix string
	scripting bool
}

func New(cfg Config) (*Host, error) {
	cl := cfg.Client
	if cl == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Host{client: cl, keyPrefix: cfg.KeyPrefix, scripting: !cfg.DisableScripting}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redishost config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) sessionKey(id string) string { return h.keyPrefix + id }
func (h *Host) indexKey(key string) string  { return h.keyPrefix + key }

// --- Primary records ---

func (h *Host) GetSession(ctx context.Context, id string) ([]byte, error) {
	b, err := h.client.Get(ctx, h.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (h *Host) PutSession(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("put session %s: non-positive ttl %s", id, ttl)
	}
	return h.client.Set(ctx, h.sessionKey(id), data, ceilMillis(ttl)).Err()
}

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	return h.client.Del(ctx, h.sessionKey(id)).Err()
}

// --- Inverse indices ---

// upsertIndexScript adds a member and raises the set's TTL to at least
// ARGV[2] milliseconds. PTTL is -1 for a key without expiry, so a fresh set
// always takes the member's TTL.
var upsertIndexScript = redis.NewScript(`
local key = KEYS[1]
local member = ARGV[1]
local want = tonumber(ARGV[2])
redis.call('SADD', key, member)
local cur = redis.call('PTTL', key)
if cur < want then
  redis.call('PEXPIRE', key, want)
  return want
end
return cur
`)

func (h *Host) AddToIndex(ctx context.Context, key, id string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("index %s: non-positive ttl %s", key, ttl)
	}
	ttl = ceilMillis(ttl)
	k := h.indexKey(key)

	if h.scripting {
		return upsertIndexScript.Run(ctx, h.client, []string{k}, id, ttl.Milliseconds()).Err()
	}

	pipe := h.client.Pipeline()
	pipe.SAdd(ctx, k, id)
	cur := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if cur.Val() >= ttl {
		return nil
	}
	return h.client.PExpire(ctx, k, ttl).Err()
}

func (h *Host) IndexMembers(ctx context.Context, key string) ([]string, error) {
	return h.client.SMembers(ctx, h.indexKey(key)).Result()
}

func (h *Host) RemoveFromIndex(ctx context.Context, key, id string) error {
	return h.client.SRem(ctx, h.indexKey(key), id).Err()
}

func (h *Host) IndexTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := h.client.PTTL(ctx, h.indexKey(key)).Result()
	if err != nil {
		return 0, err
	}
	// -2: missing key, -1: no expiry.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// ceilMillis rounds ttl up to Redis' millisecond resolution so a stored TTL
// never undercuts the requested one.
func ceilMillis(ttl time.Duration) time.Duration {
	if r := ttl % time.Millisecond; r != 0 {
		ttl += time.Millisecond - r
	}
	return ttl
}

// Interface compliance
var _ sessions.Host = (*Host)(nil)
