package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of scheduled maintenance work.
type Task func(context.Context) error

// RunnerConfig configures the schedule and retry behaviour.
type RunnerConfig struct {
	Interval   time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Runner executes a single task on a fixed interval in a background
// goroutine. A failed run is retried with a delay before the runner goes
// back to waiting for the next tick.
type Runner struct {
	name   string
	task   Task
	config RunnerConfig

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	started bool
}

// NewRunner builds a runner for the named task.
func NewRunner(name string, task Task, cfg RunnerConfig) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{name: name, task: task, config: cfg}
}

// Start launches the schedule loop. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.started = true
	go r.loop()
	r.config.Logger.Sugar().Infow("runner started", "runner", r.name, "interval", r.config.Interval)
}

// Stop cancels the loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	done := r.done
	r.mu.Unlock()
	<-done
	r.config.Logger.Sugar().Infow("runner stopped", "runner", r.name)
}

func (r *Runner) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

func (r *Runner) runOnce() {
	for attempt := 1; ; attempt++ {
		err := r.task(r.ctx)
		if err == nil {
			return
		}
		if attempt > r.config.MaxRetries {
			r.config.Logger.Sugar().Errorw("task exceeded retries", "runner", r.name, "error", err)
			return
		}
		r.config.Logger.Sugar().Warnw("task failed, retrying", "runner", r.name, "attempt", attempt, "error", err)

		timer := time.NewTimer(r.config.RetryDelay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
