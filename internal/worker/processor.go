// Package worker turns queued movie summaries into stored movie documents.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/enricher"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of processing one task.
type Outcome string

const (
	Indexed Outcome = "indexed"
	Found   Outcome = "found"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Enricher expands a summary into a full movie.
type Enricher interface {
	Enrich(ctx context.Context, base schema.Document) *enricher.Movie
}

type ProcessorConfig struct {
	Store              store.DocumentStore
	Enricher           Enricher
	Backpressure       *Backpressure
	HealthCheckTimeout time.Duration
	FanOutLimit        int
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Processor indexes one movie per task. It holds no per-task state and is
// safe for concurrent use.
type Processor struct {
	store         store.DocumentStore
	enricher      Enricher
	backpressure  *Backpressure
	healthTimeout time.Duration
	fanOut        int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 30 * time.Second
	}
	if cfg.FanOutLimit <= 0 {
		cfg.FanOutLimit = 8
	}
	return &Processor{
		store:         cfg.Store,
		enricher:      cfg.Enricher,
		backpressure:  cfg.Backpressure,
		healthTimeout: cfg.HealthCheckTimeout,
		fanOut:        cfg.FanOutLimit,
		metrics:       cfg.Metrics,
		logger:        logger.With("component", "processor"),
	}
}

// Process indexes the movie carried by task. Adult titles are skipped and a
// movie already in the store is reported found without any further work. On
// error the queue is paused for the backpressure cooldown and the error is
// returned for the queue's retry policy.
func (p *Processor) Process(ctx context.Context, task *queue.Task) (Outcome, error) {
	payload := task.Payload
	if schema.Bool(payload, "adult") {
		p.logger.Debug("skipping adult title", "title", payload["title"])
		return Skipped, nil
	}
	outcome, err := p.index(ctx, payload)
	if err != nil {
		p.logger.Error("failed indexing movie",
			"task_id", task.ID,
			"attempt", task.Attempts+1,
			"movie_id", payload["id"],
			"title", payload["title"],
			"error", err,
		)
		if p.backpressure != nil {
			p.backpressure.Trigger(ctx)
		}
		return Failed, err
	}
	return outcome, nil
}

func (p *Processor) index(ctx context.Context, payload schema.Document) (Outcome, error) {
	if err := p.checkStore(ctx); err != nil {
		return Failed, err
	}
	id, ok := schema.IDOf(payload)
	if !ok {
		return Failed, fmt.Errorf("%w: task payload has no movie id", apperrors.ErrInvalidInput)
	}
	exists, err := p.store.Exists(ctx, schema.MoviesCollection, id)
	if err != nil {
		return Failed, err
	}
	if exists {
		return Found, nil
	}

	_, span := tracing.Child(ctx, "enrich")
	movie := p.enricher.Enrich(ctx, payload)
	span.Set("enriched", movie.Enriched, "partial", movie.Partial)
	span.End(nil)
	doc := movie.Document

	var reviewIDs, videoIDs, recommendationIDs, similarIDs []any
	_, span = tracing.Child(ctx, "store_related")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		reviewIDs, err = p.storeRelated(gctx, schema.ReviewsCollection, movie.Reviews, "")
		return err
	})
	g.Go(func() (err error) {
		videoIDs, err = p.storeRelated(gctx, schema.VideosCollection, movie.Videos, "")
		return err
	})
	g.Go(func() (err error) {
		recommendationIDs, err = p.storeRelated(gctx, schema.MoviesCollection, movie.Recommendations, id)
		return err
	})
	g.Go(func() (err error) {
		similarIDs, err = p.storeRelated(gctx, schema.MoviesCollection, movie.Similar, id)
		return err
	})
	err = g.Wait()
	span.End(err)
	if err != nil {
		return Failed, err
	}
	doc["review_ids"] = reviewIDs
	doc["video_ids"] = videoIDs
	doc["recommendation_ids"] = recommendationIDs
	doc["similar_ids"] = similarIDs
	doc = schema.Movie.Filter(doc)

	// A related list of a concurrent task may have stored this movie as a
	// minimal document in the meantime; that copy is left alone.
	exists, err = p.store.Exists(ctx, schema.MoviesCollection, id)
	if err != nil {
		return Failed, err
	}
	if exists {
		return Found, nil
	}
	_, span = tracing.Child(ctx, "put")
	res, err := p.store.Put(ctx, schema.MoviesCollection, id, doc)
	span.End(err)
	if err != nil {
		return Failed, err
	}
	p.metrics.StoreWritesTotal.WithLabelValues(schema.MoviesCollection, string(res)).Inc()
	p.logger.Info("movie indexed",
		"movie_id", id,
		"title", doc["title"],
		"enriched", movie.Enriched,
		"partial", movie.Partial,
		"reviews", len(reviewIDs),
		"videos", len(videoIDs),
		"recommendations", len(recommendationIDs),
		"similar", len(similarIDs),
	)
	return Indexed, nil
}

func (p *Processor) checkStore(ctx context.Context) error {
	err := resilience.WithTimeout(ctx, p.healthTimeout, "store health check", func(ctx context.Context) error {
		if !p.store.HealthCheck(ctx, p.healthTimeout) {
			return apperrors.ErrStoreUnavailable
		}
		return nil
	})
	if err != nil && !errors.Is(err, apperrors.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return err
}

// storeRelated writes each doc absent from collection and returns the ids of
// all of them in order. Related movies are stored as given and never
// enriched themselves; parentID keeps a movie from listing itself.
func (p *Processor) storeRelated(ctx context.Context, collection string, docs []schema.Document, parentID string) ([]any, error) {
	type entry struct {
		key string
		raw any
		doc schema.Document
	}
	entries := make([]entry, 0, len(docs))
	for _, d := range docs {
		key, ok := schema.IDOf(d)
		if !ok || key == parentID {
			continue
		}
		entries = append(entries, entry{key: key, raw: d["id"], doc: d})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanOut)
	for _, e := range entries {
		g.Go(func() error {
			exists, err := p.store.Exists(gctx, collection, e.key)
			if err != nil || exists {
				return err
			}
			res, err := p.store.Put(gctx, collection, e.key, e.doc)
			if err != nil {
				return fmt.Errorf("storing %s/%s: %w", collection, e.key, err)
			}
			p.metrics.StoreWritesTotal.WithLabelValues(collection, string(res)).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ids := make([]any, len(entries))
	for i, e := range entries {
		ids[i] = e.raw
	}
	return ids, nil
}
