package fleet

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetops/fleetctl/internal/observability"
)

// Task is one independently scheduled periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Controller runs its tasks on independent fixed-interval schedules. The
// tasks touch disjoint FleetState partitions and share only the per-
// dependency breakers, so they never serialize on each other.
type Controller struct {
	tasks   []Task
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewController(metrics *observability.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = observability.NewLogger("fleet.controller")
	}
	return &Controller{metrics: metrics, logger: logger}
}

func (c *Controller) AddTask(task Task) {
	if task.Interval <= 0 {
		task.Interval = 60 * time.Second
	}
	c.tasks = append(c.tasks, task)
}

// Run blocks until the context is canceled. A tick that is still running when
// the next fires is left to finish and the new tick is abandoned, not queued,
// so sustained slowness cannot grow a backlog. Every tick carries a deadline
// of one interval; a tick failure is logged and never stops the controller.
func (c *Controller) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, task := range c.tasks {
		group.Go(func() error {
			c.runTask(ctx, task)
			return nil
		})
	}
	return group.Wait()
}

func (c *Controller) runTask(ctx context.Context, task Task) {
	logger := c.logger.With("task", task.Name)
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	var running atomic.Bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !running.CompareAndSwap(false, true) {
			c.metrics.IncSkippedTick(task.Name)
			logger.Warn("previous tick still running, skipping", "event", "tick_skipped")
			continue
		}

		go func() {
			defer running.Store(false)
			tickCtx, cancel := context.WithTimeout(ctx, task.Interval)
			defer cancel()

			if err := task.Run(tickCtx); err != nil {
				logger.Warn("tick failed", "event", "tick_failed", "error", err)
			}
		}()
	}
}
