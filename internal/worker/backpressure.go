package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pauser stops and restarts delivery on the task queue.
type Pauser interface {
	PauseFor(ctx context.Context, ttl time.Duration) error
	Resume(ctx context.Context) error
}

// Backpressure pauses the queue for a cooldown after a task fails. While a
// pause is in effect further triggers are no-ops, so a burst of failures
// across concurrent tasks produces one pause.
type Backpressure struct {
	pauser   Pauser
	cooldown time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

func NewBackpressure(pauser Pauser, cooldown time.Duration, logger *slog.Logger) *Backpressure {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Backpressure{
		pauser:   pauser,
		cooldown: cooldown,
		logger:   logger.With("component", "backpressure"),
	}
}

// Trigger pauses the queue unless a pause is already in effect. It reports
// whether this call started the pause.
func (b *Backpressure) Trigger(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return false
	}
	// The key expires a little after the timer fires in case this process
	// dies before it can resume.
	if err := b.pauser.PauseFor(ctx, b.cooldown+b.cooldown/2); err != nil {
		b.logger.Error("failed to pause queue", "error", err)
		return false
	}
	b.active = true
	b.timer = time.AfterFunc(b.cooldown, b.release)
	b.logger.Warn("queue paused after task failure", "cooldown", b.cooldown)
	return true
}

func (b *Backpressure) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.pauser.Resume(ctx); err != nil {
		b.logger.Error("failed to resume queue, pause will expire on its own", "error", err)
	}
	b.mu.Lock()
	b.active = false
	b.timer = nil
	b.mu.Unlock()
}

// Active reports whether a pause started by this gate is in effect.
func (b *Backpressure) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Stop cancels a pending cooldown and resumes the queue at once.
func (b *Backpressure) Stop() {
	b.mu.Lock()
	if !b.active || b.timer == nil || !b.timer.Stop() {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.release()
}
