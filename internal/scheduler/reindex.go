package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
)

// JobReindexMovies rewrites every stored movie through the current schema.
const JobReindexMovies = "reindex_movies"

const reindexPageSize = 500

// ReindexStats summarizes one reindex run.
type ReindexStats struct {
	Collection string        `json:"collection"`
	Pages      int           `json:"pages"`
	Scanned    int           `json:"scanned"`
	Rewritten  int           `json:"rewritten"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// Reindex makes sure collection exists with its current schema and indexes,
// then pages through it by id and puts every document back filtered through
// that schema. Fields the schema no longer declares are dropped.
func (s *Scheduler) Reindex(ctx context.Context, collection string) (ReindexStats, error) {
	if !s.running.TryLock() {
		return ReindexStats{}, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusConflict, "a job is already running")
	}
	defer s.running.Unlock()

	start := time.Now()
	stats := ReindexStats{Collection: collection}
	sc, ok := schema.Collections()[collection]
	if !ok {
		return stats, fmt.Errorf("%w: unknown collection %q", apperrors.ErrInvalidInput, collection)
	}
	if !s.cfg.Store.HealthCheck(ctx, s.cfg.HealthCheckTimeout) {
		return stats, fmt.Errorf("%w: no answer within %v", apperrors.ErrStoreUnavailable, s.cfg.HealthCheckTimeout)
	}
	if err := s.cfg.Store.CreateCollection(ctx, collection, sc); err != nil {
		return stats, err
	}

	q := store.Query{Sort: []store.SortField{{Field: "id"}}, Size: reindexPageSize}
	for {
		page, err := s.cfg.Store.Search(ctx, collection, q)
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("reading %s after %d pages: %w", collection, stats.Pages, err)
		}
		stats.Pages++
		for _, doc := range page.Hits {
			stats.Scanned++
			id, ok := schema.IDOf(doc)
			if !ok {
				s.logger.Warn("skipping document without id", "collection", collection)
				stats.Skipped++
				continue
			}
			res, err := s.cfg.Store.Put(ctx, collection, id, sc.Filter(doc))
			if err != nil {
				stats.Duration = time.Since(start)
				return stats, fmt.Errorf("rewriting %s/%s: %w", collection, id, err)
			}
			s.metrics.StoreWritesTotal.WithLabelValues(collection, string(res)).Inc()
			stats.Rewritten++
		}
		if page.NextPageToken == "" {
			break
		}
		q.PageToken = page.NextPageToken
	}
	stats.Duration = time.Since(start)
	s.logger.Info("reindex finished",
		"collection", collection,
		"pages", stats.Pages,
		"scanned", stats.Scanned,
		"rewritten", stats.Rewritten,
		"skipped", stats.Skipped,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}
