package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

const archiveLockKey = "archiver"

// Archiver copies settled jobs, fills and audit history older than the
// retention window to cold storage on a cron schedule. Only one instance in
// the fleet runs each trigger.
type Archiver struct {
	blob      domain.Archiver
	locks     domain.LockManager
	retention time.Duration
	lockTTL   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blob domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		locks:     locks,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		lockTTL:   time.Hour,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// WithClock overrides the clock used to compute the cutoff.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// ArchiveStats counts the rows copied by one run.
type ArchiveStats struct {
	Jobs  int64
	Fills int64
	Audit int64
}

// Run executes a single archive run. A run skipped because another instance
// holds the lock returns zero stats and no error.
func (a *Archiver) Run(ctx context.Context) (ArchiveStats, error) {
	var stats ArchiveStats
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, a.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive run held by another instance")
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("archiver: acquire lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run", slog.Time("cutoff", cutoff))

	var err error
	if stats.Jobs, err = a.blob.ArchiveJobs(ctx, cutoff); err != nil {
		return stats, fmt.Errorf("archiving jobs before %v: %w", cutoff, err)
	}
	if stats.Fills, err = a.blob.ArchiveFills(ctx, cutoff); err != nil {
		return stats, fmt.Errorf("archiving fills before %v: %w", cutoff, err)
	}
	if stats.Audit, err = a.blob.ArchiveAudit(ctx, cutoff); err != nil {
		return stats, fmt.Errorf("archiving audit before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("jobs", stats.Jobs),
		slog.Int64("fills", stats.Fills),
		slog.Int64("audit", stats.Audit),
	)
	return stats, nil
}

// RunCron runs the archiver on a 5-field cron schedule until the context is
// cancelled. A failed run is logged and retried at the next trigger.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now())
		if err != nil {
			return fmt.Errorf("cron %q: %w", cronExpr, err)
		}
		wait := next.Sub(a.now())
		a.logger.DebugContext(ctx, "archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
