package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posledger/backend/internal/domain"
)

type RedisSalesRollupCache struct {
	client *redis.Client
}

func NewRedisSalesRollupCache(addr string, password string, db int) *RedisSalesRollupCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSalesRollupCache{client: client}
}

func (c *RedisSalesRollupCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSalesRollupCache) Close() error {
	return c.client.Close()
}

func (c *RedisSalesRollupCache) Get(ctx context.Context, day string) (*domain.SalesRollup, bool, error) {
	val, err := c.client.Get(ctx, rollupKey(day)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rollup domain.SalesRollup
	if err := json.Unmarshal([]byte(val), &rollup); err != nil {
		return nil, false, err
	}
	return &rollup, true, nil
}

func (c *RedisSalesRollupCache) Set(ctx context.Context, day string, value *domain.SalesRollup, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, rollupKey(day), payload, ttl).Err()
}

func (c *RedisSalesRollupCache) Delete(ctx context.Context, day string) error {
	return c.client.Del(ctx, rollupKey(day)).Err()
}
