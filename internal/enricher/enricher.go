// Package enricher expands a movie summary into the full movie document: one
// detail request with the sub-resources appended, concurrent drains of the
// paginated sub-collections, allow-list filtering and image path resolution.
package enricher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// AppendToResponse lists the sub-resources requested with the movie details.
const AppendToResponse = "credits,keywords,recommendations,reviews,similar,videos"

var detailFields = schema.Merge(schema.MovieSummary, schema.MovieDetails)

// Source is the part of the catalog client the enricher needs.
type Source interface {
	FetchPage(ctx context.Context, endpoint string, params url.Values) (*catalog.Page, error)
	DrainAll(ctx context.Context, endpoint string, params url.Values) ([]schema.Document, error)
}

// Movie is an enriched movie. Document holds the persisted movie fields
// including credits and keywords; the remaining collections are kept apart so
// the worker can store them as their own documents.
type Movie struct {
	Document        schema.Document
	Reviews         []schema.Document
	Videos          []schema.Document
	Recommendations []schema.Document
	Similar         []schema.Document

	// Enriched is false when the detail request failed and Document is only
	// the summary.
	Enriched bool
	// Partial is true when a sub-collection could not be fully drained.
	Partial bool
}

// ID returns the movie id as a store key.
func (m *Movie) ID() string {
	id, _ := schema.IDOf(m.Document)
	return id
}

type Config struct {
	Source  Source
	Images  *ImageResolver
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Enricher struct {
	source  Source
	images  *ImageResolver
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg Config) *Enricher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	return &Enricher{
		source:  cfg.Source,
		images:  cfg.Images,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "enricher"),
	}
}

// paginated is a sub-collection that may need draining beyond page one.
type paginated struct {
	name       string
	results    []schema.Document
	totalPages int
}

// Enrich never fails: when the detail request errors it logs a warning and
// returns the summary with Enriched false.
func (e *Enricher) Enrich(ctx context.Context, base schema.Document) *Movie {
	summary := schema.MovieSummary.Filter(base)
	id, ok := schema.IDOf(base)
	if !ok {
		e.logger.Warn("movie without id left unenriched")
		return &Movie{Document: summary}
	}

	page, err := e.source.FetchPage(ctx, "movie/"+id, url.Values{"append_to_response": {AppendToResponse}})
	if err != nil {
		e.logger.Warn("fetching movie details failed, keeping summary", "movie_id", id, "error", err)
		return &Movie{Document: summary}
	}
	payload := page.Payload()

	subs := []*paginated{
		subCollection(payload, "recommendations"),
		subCollection(payload, "reviews"),
		subCollection(payload, "similar"),
	}
	partial := e.drain(ctx, id, subs)
	recommendations, reviews, similar := subs[0].results, subs[1].results, subs[2].results

	credits, _ := payload["credits"].(map[string]any)
	keywords, _ := payload["keywords"].(map[string]any)
	videos, _ := payload["videos"].(map[string]any)

	doc := summary
	for k, v := range detailFields.Filter(payload) {
		doc[k] = v
	}
	doc["credits"] = map[string]any{
		"cast": schema.Values(schema.Cast.FilterAll(schema.Documents(credits["cast"]))),
		"crew": schema.Values(schema.Crew.FilterAll(schema.Documents(credits["crew"]))),
	}
	doc["keywords"] = schema.Values(schema.Keywords.FilterAll(schema.Documents(keywords["keywords"])))

	movie := &Movie{
		Document:        doc,
		Reviews:         withMovieID(schema.Review.FilterAll(reviews), doc["id"]),
		Videos:          withMovieID(schema.Video.FilterAll(schema.Documents(videos["results"])), doc["id"]),
		Recommendations: schema.MovieSummary.FilterAll(recommendations),
		Similar:         schema.MovieSummary.FilterAll(similar),
		Enriched:        true,
		Partial:         partial,
	}
	if partial {
		e.metrics.PartialEnrichments.Inc()
	}
	if e.images != nil {
		e.images.ResolveMovie(ctx, movie)
	}
	e.logger.Debug("movie enriched",
		"movie_id", id,
		"reviews", len(movie.Reviews),
		"videos", len(movie.Videos),
		"recommendations", len(movie.Recommendations),
		"similar", len(movie.Similar),
		"partial", partial,
	)
	return movie
}

// EnrichByID enriches a movie known only by id. Unlike Enrich it reports a
// failed detail request as an error since there is no summary to fall back to.
func (e *Enricher) EnrichByID(ctx context.Context, id string) (*Movie, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty movie id", apperrors.ErrInvalidInput)
	}
	m := e.Enrich(ctx, schema.Document{"id": id})
	if !m.Enriched {
		return nil, fmt.Errorf("enriching movie %s: %w", id, apperrors.ErrTransport)
	}
	return m, nil
}

// drain fetches pages 2..n of every sub-collection that has them. The drains
// run concurrently; a failing drain keeps what it collected and marks the
// result partial instead of failing the others.
func (e *Enricher) drain(ctx context.Context, id string, subs []*paginated) bool {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		partial bool
	)
	for _, sub := range subs {
		if sub.totalPages <= 1 {
			continue
		}
		g.Go(func() error {
			endpoint := fmt.Sprintf("movie/%s/%s", id, sub.name)
			more, err := e.source.DrainAll(ctx, endpoint, url.Values{"page": {"2"}})
			if err != nil {
				e.logger.Warn("draining sub-collection failed",
					"movie_id", id,
					"collection", sub.name,
					"collected", len(more),
					"error", err,
				)
				mu.Lock()
				partial = true
				mu.Unlock()
			}
			sub.results = appendUnique(sub.results, more)
			return nil
		})
	}
	_ = g.Wait()
	return partial
}

func subCollection(payload schema.Document, name string) *paginated {
	raw, _ := payload[name].(map[string]any)
	total, _ := schema.Int(raw, "total_pages")
	return &paginated{
		name:       name,
		results:    schema.Documents(raw["results"]),
		totalPages: total,
	}
}

func appendUnique(dst, more []schema.Document) []schema.Document {
	seen := make(map[string]struct{}, len(dst))
	for _, d := range dst {
		if id, ok := schema.IDOf(d); ok {
			seen[id] = struct{}{}
		}
	}
	for _, d := range more {
		if id, ok := schema.IDOf(d); ok {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		dst = append(dst, d)
	}
	return dst
}

func withMovieID(docs []schema.Document, movieID any) []schema.Document {
	for _, d := range docs {
		d["movie_id"] = movieID
	}
	return docs
}
