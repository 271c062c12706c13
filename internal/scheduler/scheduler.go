// Package scheduler runs periodic background tasks such as counter,
// access-list, risk-pattern and correlation-buffer sweeps.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context)

// Runner executes a Task on a fixed interval until stopped.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	clock    clockwork.Clock
	logger   *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock injects the clock driving the ticker.
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a new periodic runner.
func NewRunner(name string, interval time.Duration, task Task, opts ...Option) *Runner {
	r := &Runner{
		name:     name,
		interval: interval,
		task:     task,
		clock:    clockwork.NewRealClock(),
		logger:   logging.Discard(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("runner", name))
	return r
}

// Name returns the runner name.
func (r *Runner) Name() string { return r.name }

// Start begins the runner loop. This should be called in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	defer close(r.stopped)

	r.logger.Info("periodic runner started", slog.Duration("interval", r.interval))

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.runOnce(ctx)
		case <-r.stop:
			r.logger.Info("periodic runner stopped")
			return
		case <-ctx.Done():
			r.logger.Info("periodic runner context cancelled")
			return
		}
	}
}

// Stop signals the runner to stop and waits for it to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.stopped
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("periodic task panicked", slog.Any("panic", rec))
		}
	}()

	start := r.clock.Now()
	r.task(ctx)
	r.logger.Debug("periodic task finished", logging.Duration(r.clock.Since(start)))
}

// Group starts and stops a set of runners together.
type Group struct {
	runners []*Runner
	wg      sync.WaitGroup
}

// Add registers runners with the group.
func (g *Group) Add(runners ...*Runner) {
	g.runners = append(g.runners, runners...)
}

// Start launches every runner in its own goroutine.
func (g *Group) Start(ctx context.Context) {
	for _, r := range g.runners {
		g.wg.Add(1)
		go func(r *Runner) {
			defer g.wg.Done()
			r.Start(ctx)
		}(r)
	}
}

// Stop stops every runner and waits for all of them to return.
func (g *Group) Stop() {
	for _, r := range g.runners {
		r.Stop()
	}
	g.wg.Wait()
}
