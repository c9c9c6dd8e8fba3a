// Package queue is a Redis-backed task queue with at-least-once delivery.
//
// Each queue owns these keys under <prefix>:<name>:
//
//	wait         LIST of encoded tasks; producers LPUSH, consumers BLMOVE from the right
//	active:<id>  LIST of tasks consumer <id> holds; Done removes them
//	lease:<id>   STRING with a TTL, refreshed while consumer <id> is alive
//	consumers    SET of consumer ids that may hold active tasks
//	failed       LIST of tasks that exhausted their attempts, newest first
//	paused       STRING present while consumers must not pull
//	completed    counter of settled tasks
//
// Every Queue value is one consumer. A consumer that dies mid-task leaves its
// active list behind and stops refreshing its lease; once the lease expires,
// Recover on any other consumer moves those tasks back to wait. Tasks held by
// live consumers are never touched.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task is one unit of work. Payload carries the full summary entity so the
// worker needs no extra lookup.
type Task struct {
	ID          string          `json:"id"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     schema.Document `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`

	// raw is the exact encoding held in the active list.
	raw string
}

// Counts is a snapshot of queue sizes.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
	Paused    bool  `json:"paused"`
}

// Handler processes one task. A non-nil error sends the task through the
// retry policy; message is logged with the outcome.
type Handler func(ctx context.Context, task *Task) (message string, err error)

type Queue struct {
	rdb          redis.Cmdable
	name         string
	consumerID   string
	waitKey      string
	activeKey    string
	activePrefix string
	leaseKey     string
	leasePrefix  string
	consumersKey string
	failedKey    string
	pausedKey    string
	doneKey      string
	maxAttempts  int
	pollInterval time.Duration
	leaseTTL     time.Duration
	failedLimit  int64
	concurrency  atomic.Int32
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New binds a queue to rdb using the names and limits in cfg.
func New(rdb redis.Cmdable, cfg config.QueueConfig, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	// A lease must outlive one blocking pull.
	if floor := 2 * cfg.PollInterval; cfg.LeaseTTL < floor {
		cfg.LeaseTTL = floor
	}
	base := cfg.Prefix + ":" + cfg.Name
	id := uuid.NewString()
	q := &Queue{
		rdb:          rdb,
		name:         cfg.Name,
		consumerID:   id,
		waitKey:      base + ":wait",
		activePrefix: base + ":active:",
		activeKey:    base + ":active:" + id,
		leasePrefix:  base + ":lease:",
		leaseKey:     base + ":lease:" + id,
		consumersKey: base + ":consumers",
		failedKey:    base + ":failed",
		pausedKey:    base + ":paused",
		doneKey:      base + ":completed",
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		leaseTTL:     cfg.LeaseTTL,
		failedLimit:  cfg.FailedLimit,
		metrics:      m,
		logger:       logger.With("component", "queue", "queue", cfg.Name, "consumer", id),
	}
	q.concurrency.Store(1)
	return q
}

func (q *Queue) Name() string { return q.name }

// ConsumerID identifies this consumer's active list and lease.
func (q *Queue) ConsumerID() string { return q.consumerID }

// Enqueue adds one task for payload.
func (q *Queue) Enqueue(ctx context.Context, payload schema.Document) (*Task, error) {
	tasks, err := q.EnqueueBatch(ctx, []schema.Document{payload})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// EnqueueBatch adds one task per payload in a single round trip.
func (q *Queue) EnqueueBatch(ctx context.Context, payloads []schema.Document) ([]*Task, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	tasks := make([]*Task, 0, len(payloads))
	values := make([]any, 0, len(payloads))
	for _, p := range payloads {
		t := &Task{
			ID:          uuid.NewString(),
			MaxAttempts: q.maxAttempts,
			Payload:     p,
			EnqueuedAt:  now,
		}
		raw, err := t.encode()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		values = append(values, raw)
	}
	if err := q.rdb.LPush(ctx, q.waitKey, values...).Err(); err != nil {
		return nil, fmt.Errorf("enqueueing %d tasks on %s: %w", len(tasks), q.name, err)
	}
	q.metrics.TasksEnqueuedTotal.Add(float64(len(tasks)))
	return tasks, nil
}

// Drain removes every waiting task and reports how many were dropped. Active
// tasks are left to finish.
func (q *Queue) Drain(ctx context.Context) (int64, error) {
	var n *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.LLen(ctx, q.waitKey)
		pipe.Del(ctx, q.waitKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("draining %s: %w", q.name, err)
	}
	q.logger.Info("queue drained", "removed", n.Val())
	return n.Val(), nil
}

func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, q.pausedKey, "1", 0).Err(); err != nil {
		return fmt.Errorf("pausing %s: %w", q.name, err)
	}
	q.metrics.QueuePaused.Set(1)
	q.logger.Info("queue paused")
	return nil
}

// PauseFor pauses the queue until Resume or until ttl elapses, whichever
// comes first, so a consumer that dies while paused cannot stall the queue.
func (q *Queue) PauseFor(ctx context.Context, ttl time.Duration) error {
	if err := q.rdb.Set(ctx, q.pausedKey, "1", ttl).Err(); err != nil {
		return fmt.Errorf("pausing %s: %w", q.name, err)
	}
	q.metrics.QueuePaused.Set(1)
	q.logger.Info("queue paused", "ttl", ttl)
	return nil
}

func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.pausedKey).Err(); err != nil {
		return fmt.Errorf("resuming %s: %w", q.name, err)
	}
	q.metrics.QueuePaused.Set(0)
	q.logger.Info("queue resumed")
	return nil
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.pausedKey).Result()
	if err != nil {
		return false, fmt.Errorf("reading pause state of %s: %w", q.name, err)
	}
	return n > 0, nil
}

// SetConcurrency sets how many tasks Process runs at once. It takes effect on
// the next call to Process.
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.concurrency.Store(int32(n))
}

// Next moves the oldest waiting task to this consumer's active list and
// returns it. It returns nil without error when the queue is paused or nothing
// arrived within the poll interval. Every call refreshes the lease.
func (q *Queue) Next(ctx context.Context) (*Task, error) {
	var paused *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		q.renew(ctx, pipe)
		paused = pipe.Exists(ctx, q.pausedKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("renewing lease on %s: %w", q.name, err)
	}
	if paused.Val() > 0 {
		return nil, nil
	}
	raw, err := q.rdb.BLMove(ctx, q.waitKey, q.activeKey, "RIGHT", "LEFT", q.pollInterval).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pulling from %s: %w", q.name, err)
	}
	t, err := decodeTask(raw)
	if err != nil {
		// Unreadable entries would be redelivered forever; park them.
		q.logger.Error("dropping undecodable task", "error", err)
		_, _ = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.activeKey, 1, raw)
			pipe.LPush(ctx, q.failedKey, raw)
			return nil
		})
		return nil, nil
	}
	return t, nil
}

// Done settles a task taken with Next. A nil taskErr completes it. Otherwise
// the task goes back to wait until it has used MaxAttempts, then to failed.
func (q *Queue) Done(ctx context.Context, t *Task, taskErr error, message string) error {
	if taskErr == nil {
		_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.activeKey, 1, t.raw)
			pipe.Incr(ctx, q.doneKey)
			return nil
		})
		if err != nil {
			return fmt.Errorf("completing task %s: %w", t.ID, err)
		}
		q.logger.Debug("task completed", "task_id", t.ID, "message", message)
		return nil
	}

	held := t.raw
	t.Attempts++
	t.LastError = taskErr.Error()
	raw, err := t.encode()
	if err != nil {
		return err
	}
	retry := t.Attempts < t.MaxAttempts
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey, 1, held)
		if retry {
			pipe.LPush(ctx, q.waitKey, raw)
			return nil
		}
		pipe.LPush(ctx, q.failedKey, raw)
		if q.failedLimit > 0 {
			pipe.LTrim(ctx, q.failedKey, 0, q.failedLimit-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settling failed task %s: %w", t.ID, err)
	}
	q.logger.Warn("task failed",
		"task_id", t.ID,
		"attempt", t.Attempts,
		"max_attempts", t.MaxAttempts,
		"requeued", retry,
		"error", taskErr,
	)
	return nil
}

// Process pulls and handles tasks with the configured concurrency until ctx
// is cancelled. Tasks already started run to completion on a context that
// outlives ctx. While it runs the lease is kept alive and expired consumers
// are recovered on every heartbeat.
func (q *Queue) Process(ctx context.Context, handler Handler) error {
	n := int(q.concurrency.Load())
	q.logger.Info("processing started", "concurrency", n)

	stop := make(chan struct{})
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		q.heartbeat(stop)
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.pull(ctx, handler)
		}()
	}
	wg.Wait()
	close(stop)
	<-beat
	q.release(context.WithoutCancel(ctx))
	q.logger.Info("processing stopped")
	return nil
}

func (q *Queue) renew(ctx context.Context, pipe redis.Pipeliner) {
	pipe.SAdd(ctx, q.consumersKey, q.consumerID)
	pipe.Set(ctx, q.leaseKey, "1", q.leaseTTL)
}

// heartbeat refreshes the lease until stop closes. It runs on its own
// context so in-flight tasks stay leased after Process's ctx is cancelled.
func (q *Queue) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(q.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.leaseTTL/3)
		_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			q.renew(ctx, pipe)
			return nil
		})
		if err != nil {
			q.logger.Error("renewing lease", "error", err)
		} else if _, err := q.Recover(ctx); err != nil {
			q.logger.Error("recovering expired consumers", "error", err)
		}
		cancel()
	}
}

// release drops the lease once nothing is held, so other consumers do not
// wait for it to expire. A non-empty active list is left for Recover.
func (q *Queue) release(ctx context.Context) {
	held, err := q.rdb.LLen(ctx, q.activeKey).Result()
	if err != nil || held > 0 {
		q.logger.Warn("keeping lease on unsettled tasks", "held", held, "error", err)
		return
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.consumersKey, q.consumerID)
		pipe.Del(ctx, q.leaseKey)
		return nil
	})
	if err != nil {
		q.logger.Warn("releasing lease", "error", err)
	}
}

func (q *Queue) pull(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		t, err := q.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("pull failed", "error", err)
			q.sleep(ctx)
			continue
		}
		if t == nil {
			// Next already blocked for the poll interval unless paused.
			if paused, _ := q.IsPaused(ctx); paused {
				q.sleep(ctx)
			}
			continue
		}
		runCtx := context.WithoutCancel(ctx)
		message, taskErr := handler(runCtx, t)
		if err := q.Done(runCtx, t, taskErr, message); err != nil {
			q.logger.Error("settling task", "task_id", t.ID, "error", err)
		}
	}
}

func (q *Queue) sleep(ctx context.Context) {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Recover moves the active tasks of every other consumer whose lease has
// expired back to the head of wait and forgets those consumers. Consumers
// with a live lease keep their tasks.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	ids, err := q.rdb.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("listing consumers of %s: %w", q.name, err)
	}
	var moved int
	for _, id := range ids {
		if id == q.consumerID {
			continue
		}
		alive, err := q.rdb.Exists(ctx, q.leasePrefix+id).Result()
		if err != nil {
			return moved, fmt.Errorf("reading lease of %s: %w", id, err)
		}
		if alive > 0 {
			continue
		}
		n, err := q.reclaim(ctx, id)
		moved += n
		if err != nil {
			return moved, err
		}
		if n > 0 {
			q.logger.Warn("recovered orphaned tasks", "count", n, "expired_consumer", id)
		}
	}
	return moved, nil
}

func (q *Queue) reclaim(ctx context.Context, id string) (int, error) {
	key := q.activePrefix + id
	var moved int
	for {
		err := q.rdb.LMove(ctx, key, q.waitKey, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recovering %s from %s: %w", q.name, id, err)
		}
		moved++
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.consumersKey, id)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return moved, fmt.Errorf("forgetting consumer %s: %w", id, err)
	}
	return moved, nil
}

// Counts sums the active lists of every registered consumer.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	ids, err := q.rdb.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("listing consumers of %s: %w", q.name, err)
	}
	var wait, failed, paused *redis.IntCmd
	var done *redis.StringCmd
	active := make([]*redis.IntCmd, 0, len(ids))
	_, err = q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.LLen(ctx, q.waitKey)
		for _, id := range ids {
			active = append(active, pipe.LLen(ctx, q.activePrefix+id))
		}
		failed = pipe.LLen(ctx, q.failedKey)
		paused = pipe.Exists(ctx, q.pausedKey)
		done = pipe.Get(ctx, q.doneKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("counting %s: %w", q.name, err)
	}
	completed, _ := done.Int64()
	c := Counts{
		Waiting:   wait.Val(),
		Failed:    failed.Val(),
		Completed: completed,
		Paused:    paused.Val() > 0,
	}
	for _, n := range active {
		c.Active += n.Val()
	}
	return c, nil
}

func (t *Task) encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	t.raw = string(raw)
	return t.raw, nil
}

func decodeTask(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	t.raw = raw
	return &t, nil
}
