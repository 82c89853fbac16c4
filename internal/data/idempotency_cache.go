package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL bounds how long a submission stays in the fast path.
const DefaultIdempotencyTTL = 24 * time.Hour

const idempotencyKeyPrefix = "jobqueue:idem:"

// IdempotencyCache is a Redis fast path mapping (tenant, idempotency key) to a
// job id. It only saves a database round trip; the unique index on jobs stays
// the authority, so a miss or an outage is never a correctness problem.
type IdempotencyCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewIdempotencyCache creates an IdempotencyCache. A non-positive ttl uses DefaultIdempotencyTTL.
func NewIdempotencyCache(client redis.UniversalClient, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyCache{client: client, ttl: ttl}
}

func idempotencyCacheKey(tenantID, key string) string {
	return idempotencyKeyPrefix + tenantID + ":" + key
}

// Lookup returns the job id recorded for the key, if any.
func (c *IdempotencyCache) Lookup(ctx context.Context, tenantID, key string) (string, bool, error) {
	if tenantID == "" || key == "" {
		return "", false, errors.New("tenant and key are required")
	}
	jobID, err := c.client.Get(ctx, idempotencyCacheKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return jobID, true, nil
}

// Remember records jobID for the key unless an entry already exists. SET NX
// with TTL is a single atomic command.
func (c *IdempotencyCache) Remember(ctx context.Context, tenantID, key, jobID string) (bool, error) {
	if tenantID == "" || key == "" || jobID == "" {
		return false, errors.New("tenant, key and job id are required")
	}
	status, err := c.client.SetArgs(ctx, idempotencyCacheKey(tenantID, key), jobID,
		redis.SetArgs{Mode: "NX", TTL: c.ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return status == "OK", nil
}

// Forget drops the entry for the key.
func (c *IdempotencyCache) Forget(ctx context.Context, tenantID, key string) error {
	if err := c.client.Del(ctx, idempotencyCacheKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Health pings Redis.
func (c *IdempotencyCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Purge deletes cached entries for tenantID, or for every tenant when tenantID
// is empty. It scans rather than using KEYS so a large keyspace does not block
// Redis. With dryRun set it only counts.
func (c *IdempotencyCache) Purge(ctx context.Context, tenantID string, dryRun bool) (int, error) {
	pattern := idempotencyKeyPrefix + "*"
	if tenantID != "" {
		pattern = idempotencyKeyPrefix + tenantID + ":*"
	}

	const batchSize = 100
	total := 0
	batch := make([]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if !dryRun {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, pattern, batchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}
