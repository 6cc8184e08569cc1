package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"spikewatch/internal/model"
)

// InvalidateChannel is the redis pub/sub channel the HTTP frontend
// publishes to after changing a user's options. Any payload flushes the
// cache.
const InvalidateChannel = "spikes.options.invalidate"

// UserSource loads the full user list with decoded options.
// Implemented by the sqlite store.
type UserSource interface {
	Users(ctx context.Context) ([]model.User, error)
}

// Cache keeps the user list warm between reloads. Entries live for ttl
// or until an invalidation arrives; a failed reload serves the stale
// list rather than dropping detection for everyone.
type Cache struct {
	src UserSource
	ttl time.Duration

	mu     sync.Mutex
	users  []model.User
	loaded time.Time
	dirty  bool
}

func NewCache(src UserSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{src: src, ttl: ttl, dirty: true}
}

// Users returns the cached list, reloading when stale or invalidated.
func (c *Cache) Users(ctx context.Context) ([]model.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty && time.Since(c.loaded) < c.ttl {
		return c.users, nil
	}
	fresh, err := c.src.Users(ctx)
	if err != nil {
		if c.users != nil {
			slog.Warn("[detector] user reload failed, serving stale cache", "err", err)
			return c.users, nil
		}
		return nil, err
	}
	c.users = fresh
	c.loaded = time.Now()
	c.dirty = false
	return c.users, nil
}

// Invalidate flushes the cache; the next Users call reloads.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// ListenInvalidations subscribes to the invalidation channel and flushes
// the cache on every message. Blocks until ctx is canceled.
func (c *Cache) ListenInvalidations(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			slog.Info("[detector] options invalidated", "payload", msg.Payload)
			c.Invalidate()
		}
	}
}
