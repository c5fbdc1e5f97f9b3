package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/gatehouse/pkg/auth"
)

// Entry is a cached validation result: the session together with a snapshot
// of its owning user.
type Entry struct {
	Session auth.Session `json:"session"`
	User    auth.User    `json:"user"`
}

// Cache is the short-lived read-through cache for validated sessions, keyed
// by session id. Implementations return (nil, nil) on a miss. Staleness up to
// the entry TTL is tolerated everywhere except revocation, which deletes
// entries eagerly.
type Cache interface {
	Get(ctx context.Context, sessionID string) (*Entry, error)
	Set(ctx context.Context, sessionID string, entry *Entry) error
	Delete(ctx context.Context, sessionID string) error
}

// RedisCache caches validation results in Redis so all replicas share one
// cache and revocation is visible everywhere at once.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(url, password string, db int, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db > 0 {
		opts.DB = db
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// Get retrieves a cached entry, returning (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, sessionID string) (*Entry, error) {
	data, err := c.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// Corrupt data; drop it rather than serving it
		c.client.Del(ctx, sessionKey(sessionID))
		return nil, fmt.Errorf("failed to unmarshal cached session: %w", err)
	}
	return &entry, nil
}

// Set stores an entry for the cache TTL.
func (c *RedisCache) Set(ctx context.Context, sessionID string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal session entry: %w", err)
	}
	return c.client.Set(ctx, sessionKey(sessionID), data, c.ttl).Err()
}

// Delete removes an entry; called eagerly on revoke.
func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, sessionKey(sessionID)).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemoryCache is the in-process fallback when no Redis is configured, backed
// by an expirable LRU. Suitable for single-instance deployments only: other
// replicas will not observe revocations until their entries expire.
type MemoryCache struct {
	cache *lru.LRU[string, *Entry]
}

// NewMemoryCache creates an in-process cache holding up to size entries.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	return &MemoryCache{
		cache: lru.NewLRU[string, *Entry](size, nil, ttl),
	}
}

// Get retrieves a cached entry, returning (nil, nil) on a miss.
func (c *MemoryCache) Get(_ context.Context, sessionID string) (*Entry, error) {
	if entry, ok := c.cache.Get(sessionID); ok {
		return entry, nil
	}
	return nil, nil
}

// Set stores an entry.
func (c *MemoryCache) Set(_ context.Context, sessionID string, entry *Entry) error {
	c.cache.Add(sessionID, entry)
	return nil
}

// Delete removes an entry.
func (c *MemoryCache) Delete(_ context.Context, sessionID string) error {
	c.cache.Remove(sessionID)
	return nil
}
