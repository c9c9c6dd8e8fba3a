// Command api serves movie search and lookup over HTTP.
//
// Searches are cached in Redis. When Kafka is enabled the service consumes
// movie.indexed events and flushes the search cache on each one; otherwise
// cached results age out after redis.cacheTTL. Queue pause and resume are
// exposed for operators.
//
// Usage:
//
//	go run ./cmd/api [-config configs/development.yaml] [-debug]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/api"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, *debug)
	log.Info("starting api service",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"kafka_enabled", cfg.Kafka.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	docs, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		log.Error("failed to open document store", "error", err)
		os.Exit(1)
	}
	defer docs.Close(context.Background())

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("connected to redis", "addr", cfg.Redis.Addr)

	cache := api.NewSearchCache(rdb, cfg.Redis.CacheTTL, log)
	tasks := queue.New(rdb.Redis(), cfg.Queue, m, log)

	checker := health.NewChecker(cfg.Server.RequestTimeout, log)
	checker.Register("store", store.HealthCheck(docs, cfg.Server.RequestTimeout))
	checker.Register("redis", rdb.HealthCheck())

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(
			cfg.Kafka,
			cfg.Kafka.Topics.MovieIndexed,
			events.HandleMovieIndexed(cache, m, log),
			log,
		)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error("movie.indexed consumer stopped", "error", err)
			}
		}()
		log.Info("consuming movie.indexed",
			"topic", cfg.Kafka.Topics.MovieIndexed,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, log)
	}

	h := api.New(api.Config{
		Store:   docs,
		Cache:   cache,
		Queues:  []api.QueueControl{tasks},
		Search:  cfg.Search,
		Metrics: m,
		Logger:  log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(h, checker, m, cfg.Server.RequestTimeout, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				log.Error("consumer close error", "error", err)
			}
		}
		if shutdownMetrics != nil {
			if err := shutdownMetrics(shutdownCtx); err != nil {
				log.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	log.Info("api service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("api service stopped")
}
