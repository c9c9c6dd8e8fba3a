// Package events carries pipeline notifications over Kafka. Workers publish
// a MovieIndexed event for every newly stored movie; API instances consume
// them to drop cached search results.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
)

// MovieIndexed announces that a movie and its related documents were written.
type MovieIndexed struct {
	MovieID   string    `json:"movie_id"`
	Title     string    `json:"title,omitempty"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Producer is the publishing side of pkg/kafka.
type Producer interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Publisher emits MovieIndexed events keyed by movie id so updates to one
// movie stay on one partition.
type Publisher struct {
	producer Producer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewPublisher(producer Producer, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Publisher{
		producer: producer,
		metrics:  m,
		logger:   logger.With("component", "event-publisher"),
	}
}

// MovieIndexed publishes ev. A failure is counted and returned; callers treat
// it as non-fatal because the cache also expires on its own.
func (p *Publisher) MovieIndexed(ctx context.Context, ev MovieIndexed) error {
	if ev.IndexedAt.IsZero() {
		ev.IndexedAt = time.Now().UTC()
	}
	err := p.producer.Publish(ctx, kafka.Event{Key: ev.MovieID, Value: ev})
	if err != nil {
		p.metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Error("failed to publish movie indexed event", "movie_id", ev.MovieID, "error", err)
		return err
	}
	p.metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
	return nil
}

// Invalidator drops cached data that an indexed movie makes stale.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// HandleMovieIndexed returns a kafka.MessageHandler that invalidates the
// cache for each event. Undecodable messages are logged and skipped so they
// do not block the partition.
func HandleMovieIndexed(inv Invalidator, m *metrics.Metrics, logger *slog.Logger) kafka.MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	logger = logger.With("component", "cache-invalidator")
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[MovieIndexed](value)
		if err != nil {
			logger.Error("failed to decode movie indexed event",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		if err := inv.Invalidate(ctx); err != nil {
			return err
		}
		m.CacheInvalidations.Inc()
		logger.Debug("search cache invalidated", "movie_id", ev.MovieID)
		return nil
	}
}
