// Package redis stores scheduler watermarks in Redis so several replicas of
// the API share one position per stage.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "recon:checkpoint:"

// Checkpoints implements the scheduler's checkpoint store.
type Checkpoints struct {
	client *redis.Client
	prefix string
}

// NewCheckpoints connects lazily; the first command dials.
func NewCheckpoints(addr, password string, db int) *Checkpoints {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Checkpoints{client: client, prefix: keyPrefix}
}

// NewCheckpointsFromClient wraps an existing client.
func NewCheckpointsFromClient(client *redis.Client) *Checkpoints {
	return &Checkpoints{client: client, prefix: keyPrefix}
}

// Ping verifies the server is reachable.
func (c *Checkpoints) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Checkpoints) Close() error {
	return c.client.Close()
}

// Load returns the watermark for stage. ok is false when none is stored.
func (c *Checkpoints) Load(ctx context.Context, stage string) (time.Time, bool, error) {
	raw, err := c.client.Get(ctx, c.key(stage)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("load checkpoint %s: %w", stage, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint %s: %w", stage, err)
	}
	return t.UTC(), true, nil
}

// Save stores the watermark for stage.
func (c *Checkpoints) Save(ctx context.Context, stage string, t time.Time) error {
	if err := c.client.Set(ctx, c.key(stage), t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", stage, err)
	}
	return nil
}

// TryLock takes a short-lived lease on stage so only one replica runs it.
func (c *Checkpoints) TryLock(ctx context.Context, stage string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(stage)+":lock", time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", stage, err)
	}
	return ok, nil
}

// Unlock releases the lease taken by TryLock.
func (c *Checkpoints) Unlock(ctx context.Context, stage string) error {
	return c.client.Del(ctx, c.key(stage)+":lock").Err()
}

func (c *Checkpoints) key(stage string) string { return c.prefix + stage }
