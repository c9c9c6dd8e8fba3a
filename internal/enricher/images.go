package enricher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const imageConfigCacheKey = "msp:catalog:configuration:images"

// ImageConfig holds absolute URL prefixes per image kind, one per size the
// upstream advertises, in upstream order.
type ImageConfig struct {
	BaseURL  string   `json:"base_url"`
	Backdrop []string `json:"backdrop"`
	Logo     []string `json:"logo"`
	Poster   []string `json:"poster"`
	Profile  []string `json:"profile"`
	Still    []string `json:"still"`
}

func (c *ImageConfig) prefix(sizes []string, i int) (string, bool) {
	if c == nil || i >= len(sizes) {
		return "", false
	}
	return sizes[i], true
}

// Cache stores the image configuration across processes. *redis.Client from
// pkg/redis satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// ImageResolver rewrites relative image paths into absolute URLs. The
// configuration is loaded on first use and then kept for the process
// lifetime; concurrent first callers share one upstream request.
type ImageResolver struct {
	source   Source
	cache    Cache
	cacheTTL time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	config *ImageConfig
	group  singleflight.Group
}

// NewImageResolver builds a resolver. cache may be nil.
func NewImageResolver(source Source, cache Cache, cacheTTL time.Duration, logger *slog.Logger) *ImageResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &ImageResolver{
		source:   source,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.With("component", "image-resolver"),
	}
}

// Config returns the image configuration, fetching it if needed. A failed
// fetch is not remembered.
func (r *ImageResolver) Config(ctx context.Context) (*ImageConfig, error) {
	r.mu.RLock()
	cfg := r.config
	r.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}

	v, err, _ := r.group.Do("configuration", func() (any, error) {
		r.mu.RLock()
		cfg := r.config
		r.mu.RUnlock()
		if cfg != nil {
			return cfg, nil
		}
		cfg, err := r.load(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.config = cfg
		r.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ImageConfig), nil
}

func (r *ImageResolver) load(ctx context.Context) (*ImageConfig, error) {
	if r.cache != nil {
		var cached ImageConfig
		found, err := r.cache.GetJSON(ctx, imageConfigCacheKey, &cached)
		if err != nil {
			r.logger.Warn("image configuration cache read failed", "error", err)
		} else if found {
			return &cached, nil
		}
	}

	page, err := r.source.FetchPage(ctx, "configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching image configuration: %w", err)
	}
	cfg := parseImageConfig(page.Payload())

	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, imageConfigCacheKey, cfg, r.cacheTTL); err != nil {
			r.logger.Warn("image configuration cache write failed", "error", err)
		}
	}
	r.logger.Debug("image configuration loaded", "base_url", cfg.BaseURL)
	return cfg, nil
}

func parseImageConfig(payload schema.Document) *ImageConfig {
	images, _ := payload["images"].(map[string]any)
	base, _ := images["base_url"].(string)
	if base == "" {
		base, _ = images["secure_base_url"].(string)
	}
	sizes := func(key string) []string {
		raw, _ := images[key].([]any)
		out := make([]string, 0, len(raw))
		for _, s := range raw {
			if str, ok := s.(string); ok {
				out = append(out, base+str)
			}
		}
		return out
	}
	return &ImageConfig{
		BaseURL:  base,
		Backdrop: sizes("backdrop_sizes"),
		Logo:     sizes("logo_sizes"),
		Poster:   sizes("poster_sizes"),
		Profile:  sizes("profile_sizes"),
		Still:    sizes("still_sizes"),
	}
}

// ResolveMovie rewrites image paths of the movie and of its reviews,
// recommendations and similar titles in place. Without a configuration the
// paths are left as they are.
func (r *ImageResolver) ResolveMovie(ctx context.Context, m *Movie) {
	cfg, err := r.Config(ctx)
	if err != nil {
		r.logger.Warn("image paths left relative", "movie_id", m.ID(), "error", err)
		return
	}
	var g errgroup.Group
	g.Go(func() error {
		resolveMovieDoc(cfg, m.Document)
		return nil
	})
	g.Go(func() error {
		for _, review := range m.Reviews {
			if author, ok := review["author_details"].(map[string]any); ok {
				rewrite(author, "avatar_path", cfg, cfg.Profile, 0)
			}
		}
		return nil
	})
	for _, list := range [][]schema.Document{m.Recommendations, m.Similar} {
		g.Go(func() error {
			for _, doc := range list {
				resolveMovieDoc(cfg, doc)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Resolve rewrites the image paths of a single movie document in place.
func (r *ImageResolver) Resolve(ctx context.Context, doc schema.Document) error {
	cfg, err := r.Config(ctx)
	if err != nil {
		return err
	}
	resolveMovieDoc(cfg, doc)
	return nil
}

func resolveMovieDoc(cfg *ImageConfig, doc schema.Document) {
	rewrite(doc, "backdrop_path", cfg, cfg.Backdrop, 0)
	rewrite(doc, "poster_path", cfg, cfg.Poster, 1)
	if coll, ok := doc["belongs_to_collection"].(map[string]any); ok {
		rewrite(coll, "backdrop_path", cfg, cfg.Backdrop, 0)
		rewrite(coll, "poster_path", cfg, cfg.Poster, 0)
	}
	if credits, ok := doc["credits"].(map[string]any); ok {
		for _, person := range schema.Documents(credits["cast"]) {
			rewrite(person, "profile_path", cfg, cfg.Profile, 0)
		}
		for _, person := range schema.Documents(credits["crew"]) {
			rewrite(person, "profile_path", cfg, cfg.Profile, 0)
		}
	}
	for _, company := range schema.Documents(doc["production_companies"]) {
		rewrite(company, "logo_path", cfg, cfg.Logo, 0)
	}
}

func rewrite(doc schema.Document, key string, cfg *ImageConfig, sizes []string, i int) {
	path, ok := doc[key].(string)
	if !ok || path == "" {
		return
	}
	// Avatars hosted elsewhere come back as "/https://...".
	if trimmed := strings.TrimPrefix(path, "/"); isAbsolute(trimmed) {
		doc[key] = trimmed
		return
	}
	prefix, ok := cfg.prefix(sizes, i)
	if !ok {
		return
	}
	doc[key] = prefix + path
}

func isAbsolute(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
