// Command discover runs one discovery pass: it walks the popular-movies
// listing, skips titles already in the document store and enqueues the rest
// for the worker. It exits non-zero if the run fails.
//
// Usage:
//
//	go run ./cmd/discover [-config configs/development.yaml] [-debug]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "discover: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer docs.Close(context.Background())

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	catalogCfg := catalog.FromConfig(cfg.TMDB)
	catalogCfg.Logger = log

	sched := scheduler.New(scheduler.Config{
		Source:             catalog.New(catalogCfg),
		Store:              docs,
		Queue:              queue.New(rdb.Redis(), cfg.Queue, nil, log),
		Endpoint:           cfg.Scheduler.Endpoint,
		DrainBacklog:       cfg.Scheduler.DrainBacklog,
		ExistsWorkers:      cfg.Scheduler.ExistsWorkers,
		HealthCheckTimeout: cfg.Worker.HealthCheckTimeout,
		Logger:             log,
	})

	stats, err := sched.Run(ctx)
	if err != nil {
		return err
	}
	log.Info("discovery finished",
		"pages", stats.Pages,
		"discovered", stats.Discovered,
		"enqueued", stats.Enqueued,
		"already_indexed", stats.AlreadyIndexed,
		"drained", stats.Drained,
		"duration", stats.Duration,
	)
	return nil
}
