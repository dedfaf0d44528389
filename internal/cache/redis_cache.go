package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// checkScript compares and swaps the last accepted code in one round trip.
// KEYS[1] last code, KEYS[2] remembered result; ARGV[1] code, ARGV[2] window ms.
var checkScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
if last == ARGV[1] then
  return {1, redis.call('GET', KEYS[2])}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('DEL', KEYS[2])
return {0, false}
`)

// rememberScript stores the result only while the code is still the last one,
// expiring together with it.
var rememberScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
return 1
`)

// forgetScript drops both keys only while code is still the last one.
var forgetScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`)

// RedisScanGuard shares the last-scan window across server instances.
// Redis failures are logged and treated as "not a duplicate" so that a cache
// outage never blocks selling.
type RedisScanGuard struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewRedisScanGuard(addr string, password string, db int, window time.Duration) *RedisScanGuard {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisScanGuardWithClient(client, window)
}

func NewRedisScanGuardWithClient(client *redis.Client, window time.Duration) *RedisScanGuard {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &RedisScanGuard{client: client, window: window, prefix: "snackpos:scan"}
}

func (g *RedisScanGuard) Client() *redis.Client {
	return g.client
}

func (g *RedisScanGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisScanGuard) Close() error {
	return g.client.Close()
}

func (g *RedisScanGuard) keys(scope string) []string {
	// hash tag keeps both keys on one cluster slot
	base := fmt.Sprintf("%s:{%s}", g.prefix, scope)
	return []string{base + ":last", base + ":result"}
}

func (g *RedisScanGuard) Check(ctx context.Context, scope string, code string) (bool, []byte, error) {
	res, err := checkScript.Run(ctx, g.client, g.keys(scope), code, g.window.Milliseconds()).Slice()
	if err != nil {
		log.Printf("[scan-guard] WARN: redis check failed, treating scan as new: %v", err)
		return false, nil, nil
	}
	if len(res) == 0 {
		return false, nil, nil
	}
	dup, _ := res[0].(int64)
	if dup != 1 {
		return false, nil, nil
	}
	if len(res) > 1 {
		if prior, ok := res[1].(string); ok {
			return true, []byte(prior), nil
		}
	}
	return true, nil, nil
}

func (g *RedisScanGuard) Remember(ctx context.Context, scope string, code string, payload []byte) error {
	if err := rememberScript.Run(ctx, g.client, g.keys(scope), code, payload).Err(); err != nil && err != redis.Nil {
		log.Printf("[scan-guard] WARN: redis remember failed: %v", err)
	}
	return nil
}

func (g *RedisScanGuard) Forget(ctx context.Context, scope string, code string) error {
	if err := forgetScript.Run(ctx, g.client, g.keys(scope), code).Err(); err != nil && err != redis.Nil {
		log.Printf("[scan-guard] WARN: redis forget failed: %v", err)
	}
	return nil
}
