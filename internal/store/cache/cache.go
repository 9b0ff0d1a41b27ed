// Package cache is a read-through layer over the hot GpuSlot and
// Deployment rows, grounded on control-plane/pkg/cache/cache.go's
// go-redis wrapper. Every write path in the store must invalidate the
// corresponding key synchronously in the same request; the cache never
// owns data, it only shortcuts reads of it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/crosslogic/node-agent/internal/model"
)

const (
	gpuKey             = "agent:gpu"
	deploymentKeyPrefix = "agent:deployment:"
	defaultTTL          = 30 * time.Second
)

// Cache wraps a redis client used purely as an accelerator in front of
// the Local Store; nothing here is authoritative.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Config mirrors the knobs control-plane's cache.go exposes.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func defaultConfig(cfg Config) Config {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return cfg
}

// New connects to redis and verifies reachability with a Ping.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	cfg = defaultConfig(cfg)
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Cache{client: client, ttl: defaultTTL}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health pings redis.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetGPU returns the cached GpuSlot, or (nil, nil) on a cache miss.
func (c *Cache) GetGPU(ctx context.Context, slotID string) (*model.GpuSlot, error) {
	raw, err := c.client.Get(ctx, gpuKey+":"+slotID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get gpu: %w", err)
	}
	var slot model.GpuSlot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, fmt.Errorf("cache decode gpu: %w", err)
	}
	return &slot, nil
}

// PutGPU caches a GpuSlot snapshot.
func (c *Cache) PutGPU(ctx context.Context, slot *model.GpuSlot) error {
	raw, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("cache encode gpu: %w", err)
	}
	if err := c.client.Set(ctx, gpuKey+":"+slot.SlotID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put gpu: %w", err)
	}
	return nil
}

// InvalidateGPU drops the cached GpuSlot; called on every patch_gpu.
func (c *Cache) InvalidateGPU(ctx context.Context, slotID string) error {
	if err := c.client.Del(ctx, gpuKey+":"+slotID).Err(); err != nil {
		return fmt.Errorf("cache invalidate gpu: %w", err)
	}
	return nil
}

// GetDeployment returns the cached Deployment, or (nil, nil) on a miss.
func (c *Cache) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	raw, err := c.client.Get(ctx, deploymentKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get deployment: %w", err)
	}
	var d model.Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("cache decode deployment: %w", err)
	}
	return &d, nil
}

// PutDeployment caches a Deployment snapshot.
func (c *Cache) PutDeployment(ctx context.Context, d *model.Deployment) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("cache encode deployment: %w", err)
	}
	if err := c.client.Set(ctx, deploymentKeyPrefix+d.ID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put deployment: %w", err)
	}
	return nil
}

// InvalidateDeployment drops the cached Deployment; called on every
// patch_deployment, regardless of which fields changed.
func (c *Cache) InvalidateDeployment(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, deploymentKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("cache invalidate deployment: %w", err)
	}
	return nil
}
