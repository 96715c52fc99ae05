package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheConfig configures the redis-backed semantic-search cache.
type CacheConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr: "localhost:6379",
		TTL:  5 * time.Minute,
	}
}

// SearchCache caches SemanticSearch results keyed by (query, k). Retrieval is
// read-heavy and queries repeat across turns of one conversation; the cache
// keeps the vector index off the hot path. It is strictly optional: a nil
// *SearchCache disables caching.
type SearchCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSearchCache connects to redis and verifies the connection.
func NewSearchCache(config CacheConfig, logger *zap.Logger) (*SearchCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SearchCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "search_cache")),
	}, nil
}

// Get returns cached passages for (query, k), or (nil, false) on miss. Cache
// errors degrade to a miss; retrieval must not fail because redis did.
func (c *SearchCache) Get(ctx context.Context, query string, k int) ([]Passage, bool) {
	data, err := c.client.Get(ctx, cacheKey(query, k)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var passages []Passage
	if err := json.Unmarshal(data, &passages); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", zap.Error(err))
		return nil, false
	}
	return passages, true
}

// Set stores passages for (query, k) with the configured TTL.
func (c *SearchCache) Set(ctx context.Context, query string, k int, passages []Passage) {
	data, err := json.Marshal(passages)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(query, k), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err))
	}
}

// Close releases the redis connection.
func (c *SearchCache) Close() error {
	return c.client.Close()
}

func cacheKey(query string, k int) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("dossier:kb:%s:%d", hex.EncodeToString(sum[:16]), k)
}
