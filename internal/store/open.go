package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/postgres"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Open builds the DocumentStore selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (DocumentStore, error) {
	switch cfg.Backend {
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
		}
		return NewPostgresStore(db, logger), nil
	case "mongo":
		opts := options.Client()
		if cfg.Mongo.ConnectTimeout > 0 {
			opts.SetConnectTimeout(cfg.Mongo.ConnectTimeout).SetServerSelectionTimeout(cfg.Mongo.ConnectTimeout)
		}
		client, err := ConnectMongo(ctx, cfg.Mongo.URI, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
		}
		return NewMongoStore(client, cfg.Mongo.Database, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", apperrors.ErrInvalidInput, cfg.Backend)
	}
}

// HealthCheck adapts s.HealthCheck to a readiness probe.
func HealthCheck(s DocumentStore, timeout time.Duration) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if !s.HealthCheck(ctx, timeout) {
			return health.ComponentHealth{Status: health.StatusDown, Message: "store did not become healthy"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}
