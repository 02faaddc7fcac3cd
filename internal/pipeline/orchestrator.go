// Package pipeline runs the long-lived background loops of a node:
// settlement workers, the confirmation poller, stale-claim recovery, the
// attestation finaliser, price sync, gauge refresh and cold-storage
// archival.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// Task is a unit of work run on a fixed interval. When Singleton is set the
// task takes a fleet-wide lock for each tick and skips the tick if another
// instance holds it.
type Task struct {
	Name      string
	Interval  time.Duration
	Singleton bool
	Run       func(ctx context.Context) error
}

type loop struct {
	name string
	run  func(ctx context.Context) error
}

// Orchestrator manages all pipeline goroutines.
type Orchestrator struct {
	loops  []loop
	locks  domain.LockManager
	logger *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator. locks may be nil when no
// Singleton tasks are registered.
func NewOrchestrator(locks domain.LockManager, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		locks:  locks,
		logger: logger.With(slog.String("component", "orchestrator")),
	}
}

// Go registers a long-running loop. run must return when ctx is cancelled.
func (o *Orchestrator) Go(name string, run func(ctx context.Context) error) *Orchestrator {
	o.loops = append(o.loops, loop{name: name, run: run})
	return o
}

// Every registers a periodic task.
func (o *Orchestrator) Every(t Task) *Orchestrator {
	return o.Go(t.Name, func(ctx context.Context) error {
		return o.tick(ctx, t)
	})
}

// Len returns the number of registered loops.
func (o *Orchestrator) Len() int { return len(o.loops) }

// Run starts every loop in an errgroup. A loop that stops on its own with a
// non-context error cancels the others and Run returns that error;
// cancellation of ctx is a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	names := make([]string, len(o.loops))
	for i, l := range o.loops {
		names[i] = l.name
	}
	o.logger.InfoContext(ctx, "pipeline orchestrator starting", slog.Any("loops", names))

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range o.loops {
		g.Go(func() error {
			err := l.run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			if err == nil {
				err = errors.New("stopped unexpectedly")
			}
			return fmt.Errorf("%s: %w", l.name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

// tick runs t immediately and then on every interval. Task errors are
// logged, never fatal.
func (o *Orchestrator) tick(ctx context.Context, t Task) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		if err := o.runOnce(ctx, t); err != nil && ctx.Err() == nil {
			o.logger.ErrorContext(ctx, "task failed",
				slog.String("task", t.Name),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, t Task) error {
	if !t.Singleton || o.locks == nil {
		return t.Run(ctx)
	}
	// The lease outlives a slow tick; the unlock below releases it early.
	unlock, err := o.locks.Acquire(ctx, "task:"+t.Name, 2*t.Interval)
	if errors.Is(err, domain.ErrLockHeld) {
		o.logger.DebugContext(ctx, "task held by another instance", slog.String("task", t.Name))
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer unlock()
	return t.Run(ctx)
}
