// Package api serves movie search and lookup plus the admin endpoints for
// queues and jobs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
)

// QueueControl is the admin surface of a task queue.
type QueueControl interface {
	Name() string
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Counts(ctx context.Context) (queue.Counts, error)
}

// JobRunner runs named jobs.
type JobRunner interface {
	Run(ctx context.Context, name string) (any, error)
}

type Config struct {
	Store   store.DocumentStore
	Cache   *SearchCache
	Queues  []QueueControl
	Jobs    JobRunner
	Search  config.SearchConfig
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Handler struct {
	store   store.DocumentStore
	cache   *SearchCache
	queues  map[string]QueueControl
	jobs    JobRunner
	search  config.SearchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg Config) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Search.DefaultSize <= 0 {
		cfg.Search.DefaultSize = store.DefaultSize
	}
	queues := make(map[string]QueueControl, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues[q.Name()] = q
	}
	return &Handler{
		store:   cfg.Store,
		cache:   cfg.Cache,
		queues:  queues,
		jobs:    cfg.Jobs,
		search:  cfg.Search,
		metrics: cfg.Metrics,
		logger:  logger.OrComponent(cfg.Logger, "api"),
	}
}

func (h *Handler) log(ctx context.Context) *slog.Logger {
	return logger.ForRequest(ctx, h.logger)
}

// SearchMovies handles GET /api/v1/movies.
func (h *Handler) SearchMovies(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	q, err := parseSearch(r.URL.Query(), h.search)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	aggs, err := parseAggregations(r.URL.Query())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	compute := func() (*store.SearchResult, error) {
		return h.store.Search(ctx, schema.MoviesCollection, q)
	}
	var (
		result *store.SearchResult
		hit    bool
	)
	if h.cache != nil {
		result, hit, err = h.cache.GetOrCompute(ctx, schema.MoviesCollection, q, compute)
	} else {
		result, err = compute()
	}
	status := "miss"
	switch {
	case err != nil:
		status = "error"
	case hit:
		status = "hit"
	}
	h.metrics.SearchQueriesTotal.WithLabelValues(status).Inc()
	h.metrics.SearchLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	h.log(ctx).Info("search completed",
		"query", q.Text,
		"filters", len(q.Filters),
		"total", result.Total,
		"returned", len(result.Hits),
		"cache_hit", hit,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	body := map[string]any{
		"movies":          listing.FilterAll(result.Hits),
		"total":           result.Total,
		"next_page_token": result.NextPageToken,
	}
	if len(aggs) > 0 {
		buckets, err := h.store.Aggregate(ctx, schema.MoviesCollection, q, aggs)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		body["aggregations"] = buckets
	}
	h.writeJSON(w, http.StatusOK, body)
}

// GetMovie handles GET /api/v1/movies/{id}. Reviews and videos are loaded
// from their own collections by the id lists on the movie.
func (h *Handler) GetMovie(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	movie, err := h.store.Get(ctx, schema.MoviesCollection, id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	reviews, err := h.store.GetMany(ctx, schema.ReviewsCollection, idList(movie["review_ids"]))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	videos, err := h.store.GetMany(ctx, schema.VideosCollection, idList(movie["video_ids"]))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if reviews == nil {
		reviews = []schema.Document{}
	}
	if videos == nil {
		videos = []schema.Document{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"movie":   movie,
		"reviews": reviews,
		"videos":  videos,
	})
}

func idList(v any) []string {
	arr, _ := v.([]any)
	ids := make([]string, 0, len(arr))
	for _, item := range arr {
		if id, ok := schema.IDOf(schema.Document{"id": item}); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) (QueueControl, bool) {
	name := r.PathValue("name")
	q, ok := h.queues[name]
	if !ok {
		h.writeErr(w, r, fmt.Errorf("%w: %q", apperrors.ErrQueueNotFound, name))
		return nil, false
	}
	return q, true
}

// PauseQueue handles PUT /api/v1/queues/{name}/pause.
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	if err := q.Pause(r.Context()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ResumeQueue handles PUT /api/v1/queues/{name}/resume.
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	if err := q.Resume(r.Context()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// QueueCounts handles GET /api/v1/queues/{name}.
func (h *Handler) QueueCounts(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	counts, err := q.Counts(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, counts)
}

// RunJob handles POST /api/v1/jobs/{name}. The job runs to completion within
// the request.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeErr(w, r, fmt.Errorf("%w: jobs are not served here", apperrors.ErrJobNotFound))
		return
	}
	name := r.PathValue("name")
	result, err := h.jobs.Run(r.Context(), name)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.log(r.Context()).Info("job finished", "job", name)
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.metrics.CacheInvalidations.Inc()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps err to a status. Client errors echo the message; server
// errors are logged and answered generically.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.log(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, status, http.StatusText(status))
		return
	}
	h.writeError(w, status, err.Error())
}
