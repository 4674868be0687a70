package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig for the Redis-backed limiter. Defaults can be loaded via
// envdecode.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: AUTH_REDIS_ADDR
	Addr string `env:"AUTH_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all limiter keys. ENV: AUTH_RATELIMIT_KEY_PREFIX
	KeyPrefix string `env:"AUTH_RATELIMIT_KEY_PREFIX,default=authgate:ratelimit:"`
	// Limit per window. ENV: AUTH_LOGIN_RATE_LIMIT
	Limit int `env:"AUTH_LOGIN_RATE_LIMIT,default=10"`
	// Window length. ENV: AUTH_LOGIN_RATE_WINDOW
	Window time.Duration `env:"AUTH_LOGIN_RATE_WINDOW,default=1m"`
}

// Redis is a fixed window limiter shared across gateway replicas.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	limit     int
	window    time.Duration
}

// NewRedis builds a limiter over an existing client.
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authgate:ratelimit:"
	}
	return &Redis{client: client, keyPrefix: prefix, limit: limit, window: window}
}

// NewRedisFromEnv connects a client using envdecode-populated config.
func NewRedisFromEnv() (*Redis, error) {
	var cfg RedisConfig
	_ = envdecode.Decode(&cfg)
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return NewRedis(cl, cfg), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// incrWithTTL bumps the window counter and stamps its TTL in one
// script, so the counter can never be created without an expiry. A
// separate EXPIRE after INCR would leave the key permanent if the
// second call never lands.
var incrWithTTL = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`)

// Allow implements Limiter. The first attempt in a window creates the
// counter with the window as its TTL; later attempts increment it.
// Redis errors are surfaced so callers can decide whether to fail open
// or closed.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := r.keyPrefix + key

	count, err := incrWithTTL.Run(ctx, r.client, []string{k}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	return count <= int64(r.limit), nil
}
