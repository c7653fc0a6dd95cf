package waituntil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is background work registered while a request is being served.
type Task func(ctx context.Context) error

// Deferrer keeps tasks running after the response that registered them is sent.
type Deferrer interface {
	// WaitUntil starts the task and returns immediately.
	// The task context carries the values of ctx but not its cancellation.
	WaitUntil(ctx context.Context, task Task)
}

var (
	backgroundTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecache_background_tasks",
		Help: "Background tasks currently running",
	})
	droppedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecache_background_tasks_dropped_total",
		Help: "Background tasks not started because the task limit was reached",
	})
)

// Group runs tasks on an errgroup.
// Wait blocks until every started task has finished.
type Group struct {
	g       errgroup.Group
	timeout time.Duration
	log     zerolog.Logger

	mu   sync.Mutex
	errs []error
}

var _ Deferrer = (*Group)(nil)

type Config struct {
	// Maximum number of tasks running at once. Tasks registered beyond it are dropped.
	// Zero or negative means no limit.
	Limit int
	// Deadline for each task. Zero means none.
	Timeout time.Duration
	// Logger for task failures. The zerolog no-op logger is used if nil.
	Logger *zerolog.Logger
}

func New(config Config) *Group {
	g := &Group{
		timeout: config.Timeout,
		log:     zerolog.Nop(),
	}
	if config.Logger != nil {
		g.log = *config.Logger
	}
	if config.Limit > 0 {
		g.g.SetLimit(config.Limit)
	}
	return g
}

func (g *Group) WaitUntil(ctx context.Context, task Task) {
	ctx = context.WithoutCancel(ctx)
	started := g.g.TryGo(func() error {
		backgroundTasks.Inc()
		defer backgroundTasks.Dec()
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		if err := task(ctx); err != nil {
			g.log.Error().Err(err).Msg("Background task failed")
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
		// errgroup keeps the first error for good, errs is reset by Wait
		return nil
	})
	if !started {
		droppedTasks.Inc()
		g.log.Warn().Msg("Background task limit reached, dropping task")
	}
}

// Wait blocks until all started tasks have returned.
// It returns the errors of tasks that failed since the previous Wait.
func (g *Group) Wait() error {
	g.g.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	err := errors.Join(g.errs...)
	g.errs = nil
	return err
}
