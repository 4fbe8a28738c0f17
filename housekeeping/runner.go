// Package housekeeping runs the periodic background work of the server:
// expiry sweeps over the stores and scheduled signing key rotation.
package housekeeping

import (
	"context"
	"errors"
	"time"

	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Sweeper removes expired entries and reports how many it removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Task is one periodic job. Each task runs on its own ticker.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner owns the periodic tasks. A failing task is logged and retried on its
// next tick; it never stops the other tasks.
type Runner struct {
	tasks []Task
}

func NewRunner() *Runner {
	return &Runner{}
}

// Add registers a task. Tasks with a non-positive interval are ignored.
func (r *Runner) Add(task Task) *Runner {
	if task.Interval <= 0 || task.Run == nil {
		log.Warn().Str("task", task.Name).Msg("housekeeping task disabled")
		return r
	}
	r.tasks = append(r.tasks, task)
	return r
}

// AddSweeper registers a Sweep call on interval. Nil sweepers are skipped so
// callers can pass stores that do not need sweeping (Redis expires by TTL).
func (r *Runner) AddSweeper(name string, interval time.Duration, s Sweeper) *Runner {
	if s == nil {
		return r
	}
	return r.Add(Task{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Debug().Str("task", name).Int("removed", n).Msg("swept expired entries")
			}
			return nil
		},
	})
}

// AddKeyMaintenance rotates ACTIVE keys past their rotation period and prunes
// expired keys on interval.
func (r *Runner) AddKeyMaintenance(interval time.Duration, ks *keys.KeyStore) *Runner {
	return r.Add(Task{
		Name:     "signing-keys",
		Interval: interval,
		Run: func(ctx context.Context) error {
			rotated, err := ks.RotateDue(ctx)
			if err != nil {
				return err
			}
			expired, deleted, err := ks.PruneExpired(ctx)
			if err != nil {
				return err
			}
			if rotated+expired+deleted > 0 {
				log.Info().Int("rotated", rotated).Int("expired", expired).Int("deleted", deleted).Msg("signing key maintenance")
			}
			return nil
		},
	})
}

// Len returns the number of registered tasks.
func (r *Runner) Len() int {
	return len(r.tasks)
}

// RunOnce runs every task once, in registration order, and joins their errors.
func (r *Runner) RunOnce(ctx context.Context) error {
	var errs []error
	for _, task := range r.tasks {
		if err := task.Run(ctx); err != nil {
			errs = append(errs, errors.Join(errors.New(task.Name), err))
		}
	}
	return errors.Join(errs...)
}

// Run blocks until ctx is cancelled, running each task on its interval.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range r.tasks {
		g.Go(func() error {
			runTask(ctx, task)
			return nil
		})
	}
	return g.Wait()
}

func runTask(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("task", task.Name).Msg("housekeeping task failed")
			}
		}
	}
}
