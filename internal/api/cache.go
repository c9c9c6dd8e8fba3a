package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	"golang.org/x/sync/singleflight"
)

const searchKeyPrefix = "msp:search:"

// CacheBackend is the part of pkg/redis the search cache needs.
type CacheBackend interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// SearchCache stores search results in Redis. Concurrent misses for the
// same query share one store search. Entries expire after ttl and are
// flushed when a movie.indexed event arrives.
type SearchCache struct {
	backend CacheBackend
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewSearchCache(backend CacheBackend, ttl time.Duration, logger *slog.Logger) *SearchCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SearchCache{
		backend: backend,
		ttl:     ttl,
		logger:  logger.With("component", "search-cache"),
	}
}

func (c *SearchCache) get(ctx context.Context, key string) (*store.SearchResult, bool) {
	var result store.SearchResult
	found, err := c.backend.GetJSON(ctx, key, &result)
	if err != nil {
		c.logger.Error("cache get failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &result, true
}

func (c *SearchCache) set(ctx context.Context, key string, result *store.SearchResult) {
	if err := c.backend.SetJSON(ctx, key, result, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for q or runs compute and caches
// its result. hit reports whether the cache answered.
func (c *SearchCache) GetOrCompute(
	ctx context.Context,
	collection string,
	q store.Query,
	compute func() (*store.SearchResult, error),
) (result *store.SearchResult, hit bool, err error) {
	key, err := searchKey(collection, q)
	if err != nil {
		return nil, false, err
	}
	if result, ok := c.get(ctx, key); ok {
		c.hits.Add(1)
		return result, true, nil
	}
	c.misses.Add(1)
	val, err, _ := c.group.Do(key, func() (any, error) {
		if result, ok := c.get(ctx, key); ok {
			return result, nil
		}
		result, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*store.SearchResult), false, nil
}

// Invalidate drops every cached search result.
func (c *SearchCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.FlushByPattern(ctx, searchKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating search cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *SearchCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// searchKey hashes the query. Text matching is case-insensitive, so the text
// is lowercased to let equivalent queries share an entry.
func searchKey(collection string, q store.Query) (string, error) {
	q.Text = strings.ToLower(q.Text)
	raw, err := json.Marshal(struct {
		Collection string      `json:"c"`
		Query      store.Query `json:"q"`
	}{collection, q})
	if err != nil {
		return "", fmt.Errorf("building cache key: %w", err)
	}
	hash := sha256.Sum256(raw)
	return fmt.Sprintf("%s%x", searchKeyPrefix, hash[:16]), nil
}
