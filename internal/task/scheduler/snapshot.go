package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/task/models"
)

// snapshotCache keeps final task snapshots readable immediately after
// the task is evicted from the running map, before a reader falls
// through to the repository.
type snapshotCache interface {
	Put(ctx context.Context, t *models.Task)
	Get(ctx context.Context, id string) (*models.Task, bool)
	Close() error
}

// newSnapshotCache picks the backend from config: Redis when a URL is
// set, an in-process TTL map otherwise.
func newSnapshotCache(cfg config.RedisConfig, log *logger.Logger) (snapshotCache, error) {
	ttl := cfg.SnapshotTTLDuration()
	if ttl <= 0 {
		ttl = time.Hour
	}
	if cfg.URL == "" {
		return newMemorySnapshots(ttl), nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &redisSnapshots{
		client: redis.NewClient(opts),
		ttl:    ttl,
		log:    log.WithComponent("scheduler.snapshots"),
	}, nil
}

type memoryEntry struct {
	task    *models.Task
	expires time.Time
}

// memorySnapshots is the default single-node backend: a mutex-guarded
// map swept by a janitor goroutine.
type memorySnapshots struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	stop    chan struct{}
	done    chan struct{}
	now     func() time.Time
}

func newMemorySnapshots(ttl time.Duration) *memorySnapshots {
	c := &memorySnapshots{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go c.janitor()
	return c
}

func (c *memorySnapshots) Put(_ context.Context, t *models.Task) {
	c.mu.Lock()
	c.entries[t.ID] = memoryEntry{task: t.Clone(), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *memorySnapshots) Get(_ context.Context, id string) (*models.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, id)
		return nil, false
	}
	return e.task.Clone(), true
}

func (c *memorySnapshots) Close() error {
	close(c.stop)
	<-c.done
	return nil
}

func (c *memorySnapshots) janitor() {
	defer close(c.done)
	period := c.ttl / 2
	if period > time.Minute {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for id, e := range c.entries {
				if now.After(e.expires) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

// redisSnapshots shares final snapshots across control-plane replicas.
// Cache errors are logged and treated as misses; the repository is the
// source of truth.
type redisSnapshots struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

const snapshotKeyPrefix = "autofleet:task:"

func (c *redisSnapshots) Put(ctx context.Context, t *models.Task) {
	data, err := json.Marshal(t)
	if err != nil {
		c.log.Error("failed to encode task snapshot", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, snapshotKeyPrefix+t.ID, data, c.ttl).Err(); err != nil {
		c.log.Warn("failed to cache task snapshot", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (c *redisSnapshots) Get(ctx context.Context, id string) (*models.Task, bool) {
	data, err := c.client.Get(ctx, snapshotKeyPrefix+id).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("snapshot cache read failed", zap.String("task_id", id), zap.Error(err))
		}
		return nil, false
	}
	var t models.Task
	if err := json.Unmarshal(data, &t); err != nil {
		c.log.Warn("corrupt task snapshot evicted", zap.String("task_id", id), zap.Error(err))
		_ = c.client.Del(ctx, snapshotKeyPrefix+id).Err()
		return nil, false
	}
	return &t, true
}

func (c *redisSnapshots) Close() error {
	return c.client.Close()
}
