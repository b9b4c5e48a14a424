package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisGatePrefix  = "sttq:gate:"
	redisGateMinPoll = 10 * time.Millisecond
)

// RedisGate is a Gate shared by every process talking to the same Redis. A
// key's slot is held by a SET NX PX marker that expires after interval, so
// hosts sharing provider accounts respect one rate limit between them.
type RedisGate struct {
	client *redis.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRedisGate returns a Redis-backed Gate.
func NewRedisGate(client *redis.Client) *RedisGate {
	return &RedisGate{client: client, sleep: sleepContext}
}

// Wait implements Gate. It polls until it wins the marker, sleeping for the
// marker's remaining lifetime between attempts.
func (g *RedisGate) Wait(ctx context.Context, key string, interval time.Duration) error {
	if interval <= 0 {
		return ctx.Err()
	}
	rkey := redisGatePrefix + key
	for {
		ok, err := g.client.SetNX(ctx, rkey, time.Now().UnixMilli(), interval).Result()
		if err != nil {
			return fmt.Errorf("rate gate %q: %w", key, err)
		}
		if ok {
			return nil
		}

		ttl, err := g.client.PTTL(ctx, rkey).Result()
		if err != nil {
			return fmt.Errorf("rate gate %q ttl: %w", key, err)
		}
		if ttl < redisGateMinPoll {
			ttl = redisGateMinPoll
		}
		if err := g.sleep(ctx, ttl); err != nil {
			return err
		}
	}
}
