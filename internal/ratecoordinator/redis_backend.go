package ratecoordinator

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend mirrors memoryBackend but stores the event count and
// cooldown deadline in Redis, so multiple proxy processes observe the same
// pool-wide cooldown window instead of each tracking its own.
type redisBackend struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisBackend builds a Backend backed by an existing Redis client.
// prefix namespaces the keys this backend writes (e.g. "llmrelay:pool:").
func NewRedisBackend(client *redis.Client, prefix string, window time.Duration) Backend {
	if window <= 0 {
		window = time.Second
	}
	return &redisBackend{client: client, prefix: prefix, window: window}
}

func (r *redisBackend) eventsKey() string    { return r.prefix + "events" }
func (r *redisBackend) cooldownKey() string  { return r.prefix + "cooldown_until" }
func (r *redisBackend) lastEventKey() string { return r.prefix + "last_event" }

func (r *redisBackend) RecordEvent(now time.Time) int {
	ctx := context.Background()
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.eventsKey(), redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, r.eventsKey(), "-inf", strconv.FormatInt(now.Add(-r.window).UnixNano(), 10))
	pipe.Expire(ctx, r.eventsKey(), r.window*2)
	card := pipe.ZCard(ctx, r.eventsKey())
	pipe.Set(ctx, r.lastEventKey(), member, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return 1
	}
	return int(card.Val())
}

func (r *redisBackend) CooldownUntil() int64 {
	ctx := context.Background()
	val, err := r.client.Get(ctx, r.cooldownKey()).Result()
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (r *redisBackend) SetCooldownUntil(untilNano int64) {
	ctx := context.Background()
	if untilNano == 0 {
		r.client.Del(ctx, r.cooldownKey())
		return
	}
	ttl := time.Until(time.Unix(0, untilNano))
	if ttl <= 0 {
		r.client.Del(ctx, r.cooldownKey())
		return
	}
	r.client.Set(ctx, r.cooldownKey(), strconv.FormatInt(untilNano, 10), ttl)
}

func (r *redisBackend) LastEventAt() int64 {
	ctx := context.Background()
	val, err := r.client.Get(ctx, r.lastEventKey()).Result()
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
