// Command worker indexes queued movies.
//
// Each task carries a movie summary found by discovery. The worker enriches
// it from the upstream catalog, writes the movie and its reviews, videos,
// recommendations and similar titles to the document store, and publishes
// movie.indexed when Kafka is enabled. A failed task pauses the queue for
// worker.pauseCooldown.
//
// The worker also serves health probes, /metrics and POST /api/v1/jobs/{name}, which
// runs the index_popular_movies discovery job or the reindex_movies rewrite
// in-process.
//
// Usage:
//
//	go run ./cmd/worker [-config configs/development.yaml] [-debug]
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
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/enricher"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/worker"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/middleware"
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
	log.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"store", cfg.Store.Backend,
		"queue", cfg.Queue.Name,
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

	tasks := queue.New(rdb.Redis(), cfg.Queue, m, log)

	catalogCfg := catalog.FromConfig(cfg.TMDB)
	catalogCfg.Metrics = m
	catalogCfg.Logger = log
	source := catalog.New(catalogCfg)

	enrich := enricher.New(enricher.Config{
		Source:  source,
		Images:  enricher.NewImageResolver(source, rdb, cfg.TMDB.ImageConfigTTL, log),
		Metrics: m,
		Logger:  log,
	})

	backpressure := worker.NewBackpressure(tasks, cfg.Worker.PauseCooldown, log)
	defer backpressure.Stop()

	processor := worker.NewProcessor(worker.ProcessorConfig{
		Store:              docs,
		Enricher:           enrich,
		Backpressure:       backpressure,
		HealthCheckTimeout: cfg.Worker.HealthCheckTimeout,
		FanOutLimit:        cfg.Worker.FanOutLimit,
		Metrics:            m,
		Logger:             log,
	})

	runnerCfg := worker.RunnerConfig{
		Queue:       tasks,
		Processor:   processor,
		Concurrency: cfg.Worker.Concurrency,
		Metrics:     m,
		Logger:      log,
	}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MovieIndexed, log)
		runnerCfg.Notifier = events.NewPublisher(producer, m, log)
	}
	runner := worker.NewRunner(runnerCfg)

	sched := scheduler.New(scheduler.Config{
		Source:             source,
		Store:              docs,
		Queue:              tasks,
		Endpoint:           cfg.Scheduler.Endpoint,
		DrainBacklog:       cfg.Scheduler.DrainBacklog,
		ExistsWorkers:      cfg.Scheduler.ExistsWorkers,
		HealthCheckTimeout: cfg.Worker.HealthCheckTimeout,
		Metrics:            m,
		Logger:             log,
	})

	checker := health.NewChecker(cfg.Server.RequestTimeout, log)
	checker.Register("store", store.HealthCheck(docs, cfg.Server.RequestTimeout))
	checker.Register("redis", rdb.HealthCheck())

	h := api.New(api.Config{
		Queues:  []api.QueueControl{tasks},
		Jobs:    scheduler.NewJobs(sched),
		Metrics: m,
		Logger:  log,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.HandleFunc("POST /api/v1/jobs/{name}", h.RunJob)
	mux.HandleFunc("GET /api/v1/queues/{name}", h.QueueCounts)
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	// Discovery can outlast any request timeout, so jobs are not wrapped
	// in middleware.Timeout.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.WorkerPort),
		Handler:     middleware.Chain(mux, middleware.RequestID, middleware.Metrics(m)),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		log.Info("worker http listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker http error", "error", err)
		}
	}()

	// Run blocks until the signal arrives and in-flight tasks finish.
	if err := runner.Run(ctx); err != nil {
		log.Error("worker stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("worker http shutdown error", "error", err)
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error("producer close error", "error", err)
		}
	}

	log.Info("worker stopped")
}
