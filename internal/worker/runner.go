package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/tracing"
)

// TaskQueue is the consumer side of the task queue.
type TaskQueue interface {
	Process(ctx context.Context, handler queue.Handler) error
	SetConcurrency(n int)
	Recover(ctx context.Context) (int, error)
}

// Notifier announces indexed movies.
type Notifier interface {
	MovieIndexed(ctx context.Context, ev events.MovieIndexed) error
}

type RunnerConfig struct {
	Queue       TaskQueue
	Processor   *Processor
	Notifier    Notifier
	Concurrency int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Runner feeds queued tasks to the Processor with bounded concurrency.
type Runner struct {
	queue       TaskQueue
	processor   *Processor
	notifier    Notifier
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	return &Runner{
		queue:       cfg.Queue,
		processor:   cfg.Processor,
		notifier:    cfg.Notifier,
		concurrency: cfg.Concurrency,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "runner"),
	}
}

// Run returns orphaned tasks to the queue and processes tasks until ctx is
// cancelled. In-flight tasks finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recovering orphaned tasks: %w", err)
	}
	r.queue.SetConcurrency(r.concurrency)
	r.logger.Info("worker started", "concurrency", r.concurrency)
	return r.queue.Process(ctx, r.Handle)
}

// Handle processes one task and records its outcome.
func (r *Runner) Handle(ctx context.Context, task *queue.Task) (string, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "task", task.ID)
	outcome, err := r.processor.Process(ctx, task)
	span.Set("outcome", string(outcome), "attempt", task.Attempts+1)
	span.End(err)
	span.Log(ctx, r.logger)
	r.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	r.metrics.TasksProcessedTotal.WithLabelValues(string(outcome)).Inc()

	title, _ := task.Payload["title"].(string)
	if outcome == Indexed && r.notifier != nil {
		id, _ := schema.IDOf(task.Payload)
		// The search cache also expires by TTL, so a lost event only delays
		// freshness.
		_ = r.notifier.MovieIndexed(ctx, events.MovieIndexed{MovieID: id, Title: title})
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", outcome, title), nil
}
