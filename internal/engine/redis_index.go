package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fieldsense/internal/config"
)

var releaseLock = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisFingerprintIndex shares the tolerance window between processes. Each
// fingerprint is a sorted set scored by occurred_at in microseconds.
type RedisFingerprintIndex struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	lockTTL  time.Duration
	lockWait time.Duration
}

func NewRedisFingerprintIndex(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*RedisFingerprintIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return newRedisIndex(client, cfg.Prefix, ttl), nil
}

func newRedisIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisFingerprintIndex {
	if prefix == "" {
		prefix = "fieldsense:fp:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisFingerprintIndex{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		lockTTL:  5 * time.Second,
		lockWait: 10 * time.Millisecond,
	}
}

func (r *RedisFingerprintIndex) Close() error {
	return r.client.Close()
}

func (r *RedisFingerprintIndex) Lock(ctx context.Context, fp string) (func(), error) {
	key := r.prefix + "lock:" + fp
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire fingerprint lock: %w", err)
		}
		if ok {
			return func() {
				_ = releaseLock.Run(context.WithoutCancel(ctx), r.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.lockWait):
		}
	}
}

func (r *RedisFingerprintIndex) Find(ctx context.Context, fp string, at time.Time, tolerance time.Duration) (string, bool, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.prefix+fp, &redis.ZRangeBy{
		Min:   strconv.FormatInt(at.Add(-tolerance).UnixMicro(), 10),
		Max:   strconv.FormatInt(at.Add(tolerance).UnixMicro(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return "", false, fmt.Errorf("find fingerprint: %w", err)
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (r *RedisFingerprintIndex) Record(ctx context.Context, fp string, at time.Time, eventID string) error {
	key := r.prefix + fp
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMicro()), Member: eventID})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record fingerprint: %w", err)
	}
	return nil
}
