package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// JobIndexPopularMovies discovers popular movies and enqueues the new ones.
const JobIndexPopularMovies = "index_popular_movies"

// Queue is the producer side of the task queue.
type Queue interface {
	EnqueueBatch(ctx context.Context, payloads []schema.Document) ([]*queue.Task, error)
	Drain(ctx context.Context) (int64, error)
}

// Stats summarizes one discovery run.
type Stats struct {
	Pages          int           `json:"pages"`
	Discovered     int           `json:"discovered"`
	Enqueued       int           `json:"enqueued"`
	AlreadyIndexed int           `json:"already_indexed"`
	Drained        int64         `json:"drained"`
	Duration       time.Duration `json:"duration"`
}

type Config struct {
	Source             Source
	Store              store.DocumentStore
	Queue              Queue
	Endpoint           string
	Params             url.Values
	DrainBacklog       bool
	ExistsWorkers      int
	HealthCheckTimeout time.Duration
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Scheduler runs discovery. Only one run is in flight at a time.
type Scheduler struct {
	cfg     Config
	running sync.Mutex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "movie/popular"
	}
	if cfg.ExistsWorkers <= 0 {
		cfg.ExistsWorkers = 8
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 30 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
	}
}

// Run prepares the store, optionally drops the queue backlog, then walks the
// listing to its end, enqueueing every movie the store does not hold.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	if !s.running.TryLock() {
		return Stats{}, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusConflict, "%s is already running", JobIndexPopularMovies)
	}
	defer s.running.Unlock()

	start := time.Now()
	var stats Stats
	if !s.cfg.Store.HealthCheck(ctx, s.cfg.HealthCheckTimeout) {
		return stats, fmt.Errorf("%w: no answer within %v", apperrors.ErrStoreUnavailable, s.cfg.HealthCheckTimeout)
	}
	if err := s.ensureCollections(ctx); err != nil {
		return stats, err
	}
	if s.cfg.DrainBacklog {
		n, err := s.cfg.Queue.Drain(ctx)
		if err != nil {
			return stats, err
		}
		stats.Drained = n
	}

	d := NewDiscoverer(s.cfg.Source, s.cfg.Endpoint, s.cfg.Params, s.logger)
	for {
		batch, err := d.NextBatch(ctx)
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("discovering %s after %d pages: %w", s.cfg.Endpoint, stats.Pages, err)
		}
		if batch == nil {
			break
		}
		stats.Pages++
		stats.Discovered += len(batch)
		s.metrics.MoviesDiscoveredTotal.Add(float64(len(batch)))

		fresh, err := s.unindexed(ctx, batch)
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}
		stats.AlreadyIndexed += len(batch) - len(fresh)
		if len(fresh) > 0 {
			if _, err := s.cfg.Queue.EnqueueBatch(ctx, fresh); err != nil {
				stats.Duration = time.Since(start)
				return stats, err
			}
			stats.Enqueued += len(fresh)
		}
	}
	stats.Duration = time.Since(start)
	s.logger.Info("discovery finished",
		"pages", stats.Pages,
		"discovered", stats.Discovered,
		"enqueued", stats.Enqueued,
		"already_indexed", stats.AlreadyIndexed,
		"drained", stats.Drained,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

func (s *Scheduler) ensureCollections(ctx context.Context) error {
	collections := schema.Collections()
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exists, err := s.cfg.Store.CollectionExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.cfg.Store.CreateCollection(ctx, name, collections[name]); err != nil {
			return err
		}
	}
	return nil
}

// unindexed returns the movies of batch missing from the store, in order.
func (s *Scheduler) unindexed(ctx context.Context, batch []schema.Document) ([]schema.Document, error) {
	missing := make([]bool, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ExistsWorkers)
	for i, movie := range batch {
		id, ok := schema.IDOf(movie)
		if !ok {
			s.logger.Warn("discovered movie without id", "title", movie["title"])
			continue
		}
		g.Go(func() error {
			exists, err := s.cfg.Store.Exists(gctx, schema.MoviesCollection, id)
			if err != nil {
				return fmt.Errorf("checking movie %s: %w", id, err)
			}
			missing[i] = !exists
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]schema.Document, 0, len(batch))
	for i, m := range missing {
		if m {
			out = append(out, batch[i])
		}
	}
	return out, nil
}

// Job is a named unit of work triggered through the admin API.
type Job func(ctx context.Context) (any, error)

// Jobs maps job names to their implementations.
type Jobs map[string]Job

// NewJobs registers the jobs a Scheduler provides.
func NewJobs(s *Scheduler) Jobs {
	return Jobs{
		JobIndexPopularMovies: func(ctx context.Context) (any, error) {
			return s.Run(ctx)
		},
		JobReindexMovies: func(ctx context.Context) (any, error) {
			return s.Reindex(ctx, schema.MoviesCollection)
		},
	}
}

// Run executes the named job.
func (j Jobs) Run(ctx context.Context, name string) (any, error) {
	job, ok := j[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrJobNotFound, name)
	}
	return job(ctx)
}
