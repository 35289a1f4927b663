// Package cache keeps recent map queries in Redis so polling front ends do
// not hit the database on every refresh.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
)

// ErrCacheMiss is returned when nothing is cached for the requested limit.
var ErrCacheMiss = errors.New("cache miss")

const (
	latestKey     = "kaze:latest"
	generationKey = "kaze:latest:gen"
)

// LatestCache stores QueryLatest results in one Redis hash keyed by limit.
// Any write to the readings table invalidates the whole hash and bumps a
// generation counter; a Set whose rows were read under an older generation
// is dropped. A nil *LatestCache is valid and always misses.
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLatestCache wraps client. A non-positive ttl falls back to 30 seconds.
func NewLatestCache(client *redis.Client, ttl time.Duration) *LatestCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LatestCache{client: client, ttl: ttl}
}

// NewRedisClient builds a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Get returns the rows cached for limit, or ErrCacheMiss.
func (c *LatestCache) Get(ctx context.Context, limit int) ([]reading.Reading, error) {
	if c == nil {
		return nil, ErrCacheMiss
	}
	raw, err := c.client.HGet(ctx, latestKey, strconv.Itoa(limit)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	var rows []reading.Reading
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Generation returns the current invalidation counter. Read it before
// querying the store and pass it to Set.
func (c *LatestCache) Generation(ctx context.Context) (int64, error) {
	if c == nil {
		return 0, nil
	}
	return c.generation(ctx, c.client)
}

// Set caches rows for limit if no invalidation happened since generation
// was read.
func (c *LatestCache) Set(ctx context.Context, generation int64, limit int, rows []reading.Reading) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.generation(ctx, tx)
		if err != nil {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, latestKey, strconv.Itoa(limit), raw)
			pipe.Expire(ctx, latestKey, c.ttl)
			return nil
		})
		return err
	}, generationKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Invalidate drops every cached limit.
func (c *LatestCache) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, latestKey)
	pipe.Incr(ctx, generationKey)
	_, err := pipe.Exec(ctx)
	return err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *LatestCache) generation(ctx context.Context, r getter) (int64, error) {
	n, err := r.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Ping checks the Redis connection.
func (c *LatestCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *LatestCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
