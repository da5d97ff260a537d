// Package cache keeps computed portfolio reports in Redis between mutations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "microcredit:reports"

var errStaleGeneration = errors.New("report generation changed")

// ReportCache stores each report as a field of one Redis hash, so a single
// DEL invalidates all of them. A generation counter next to the hash is
// bumped on every invalidation; a report computed under an older generation
// is never written.
type ReportCache struct {
	client redis.UniversalClient
	key    string
	genKey string
	ttl    time.Duration
}

// NewRedisClient connects and pings, the same way the service checks its
// other backends at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewReportCache returns a cache over client. A non-positive ttl keeps
// entries until the next invalidation.
func NewReportCache(client redis.UniversalClient, ttl time.Duration) *ReportCache {
	return &ReportCache{client: client, key: DefaultKey, genKey: DefaultKey + ":generation", ttl: ttl}
}

// Generation returns the current invalidation counter. Read it before
// computing a report and hand it back to Set.
func (c *ReportCache) Generation(ctx context.Context) (int64, error) {
	gen, err := readGeneration(ctx, c.client, c.genKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read report generation: %w", err)
	}
	return gen, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, cmd getter, key string) (int64, error) {
	gen, err := cmd.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get decodes the cached report into dest. The boolean is false on a miss.
func (c *ReportCache) Get(ctx context.Context, name string, dest any) (bool, error) {
	raw, err := c.client.HGet(ctx, c.key, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cached report %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached report %s: %w", name, err)
	}
	return true, nil
}

// Set stores report if the cache is still at generation. It reports false
// without error when an invalidation happened in between.
func (c *ReportCache) Set(ctx context.Context, generation int64, name string, report any) (bool, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("failed to encode report %s: %w", name, err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, c.genKey)
		if err != nil {
			return err
		}
		if current != generation {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.key, name, payload)
			if c.ttl > 0 {
				pipe.Expire(ctx, c.key, c.ttl)
			}
			return nil
		})
		return err
	}, c.genKey)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("failed to cache report %s: %w", name, err)
	}
}

// Invalidate drops every cached report and bumps the generation.
func (c *ReportCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate report cache: %w", err)
	}
	return nil
}
