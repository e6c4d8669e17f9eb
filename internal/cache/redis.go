// Package cache keeps a user's ledger rows for one calendar year close to the
// read path. Every user carries a generation counter; invalidation bumps it
// and fills that started under an older generation are discarded.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/activityledger/internal/domain"
)

const (
	keyPrefix           = "activityledger"
	generationTTLFactor = 4
)

type yearPayload struct {
	Generation int64                   `json:"generation"`
	Records    []domain.ActivityRecord `json:"records"`
}

// RedisCache implements domain.YearCache on Redis.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache wraps an existing client. ttl bounds how long a year stays cached.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

func generationKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:gen", keyPrefix, userID)
}

func yearKey(userID string, year int) string {
	return fmt.Sprintf("%s:user:%s:year:%d", keyPrefix, userID, year)
}

// Get implements domain.YearCache.
func (c *RedisCache) Get(ctx context.Context, userID string, year int) (domain.CacheEntry, error) {
	pipe := c.rdb.Pipeline()
	genCmd := pipe.Get(ctx, generationKey(userID))
	yearCmd := pipe.Get(ctx, yearKey(userID, year))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, err
	}

	generation, err := parseGeneration(genCmd)
	if err != nil {
		return domain.CacheEntry{}, err
	}

	raw, err := yearCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{Generation: generation}, nil
	}
	if err != nil {
		return domain.CacheEntry{}, err
	}

	var payload yearPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.CacheEntry{Generation: generation}, nil
	}
	if payload.Generation != generation {
		return domain.CacheEntry{Generation: generation}, nil
	}
	return domain.CacheEntry{Hit: true, Records: payload.Records, Generation: generation}, nil
}

// Set stores records unless the user's generation moved past generation.
func (c *RedisCache) Set(ctx context.Context, userID string, year int, generation int64, records []domain.ActivityRecord) error {
	body, err := json.Marshal(yearPayload{Generation: generation, Records: records})
	if err != nil {
		return err
	}

	genKey := generationKey(userID)
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := parseGeneration(tx.Get(ctx, genKey))
		if err != nil {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, yearKey(userID, year), body, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Invalidate bumps the user's generation and drops the listed years.
func (c *RedisCache) Invalidate(ctx context.Context, userID string, years ...int) error {
	genKey := generationKey(userID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, c.ttl*generationTTLFactor)
		for _, year := range years {
			pipe.Del(ctx, yearKey(userID, year))
		}
		return nil
	})
	return err
}

func parseGeneration(cmd *redis.StringCmd) (int64, error) {
	value, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}
