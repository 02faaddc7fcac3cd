package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
	"github.com/alanyoungcy/shieldmarket/internal/service"
)

// PollerConfig tunes the confirmation poller.
type PollerConfig struct {
	Interval       time.Duration
	BatchSize      int
	AdapterTimeout time.Duration
	// ConfirmTimeout bounds how long a submitted job may wait for the
	// confirmation threshold before it is failed and retried.
	ConfirmTimeout time.Duration
}

// ConfirmationPoller follows submitted jobs until they are confirmed, dropped
// or time out.
type ConfirmationPoller struct {
	ledger  *service.SettlementService
	adapter domain.ChainAdapter
	metrics *metrics.Metrics
	cfg     PollerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewConfirmationPoller creates a poller.
func NewConfirmationPoller(
	ledger *service.SettlementService,
	adapter domain.ChainAdapter,
	m *metrics.Metrics,
	cfg PollerConfig,
	logger *slog.Logger,
) *ConfirmationPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 15 * time.Second
	}
	return &ConfirmationPoller{
		ledger:  ledger,
		adapter: adapter,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "confirmation_poller")),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (p *ConfirmationPoller) WithClock(now func() time.Time) *ConfirmationPoller {
	p.now = now
	return p
}

// Run polls until ctx is cancelled.
func (p *ConfirmationPoller) Run(ctx context.Context) error {
	p.logger.Info("confirmation poller started", slog.Duration("interval", p.cfg.Interval))
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("confirmation poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce checks every submitted job once and returns how many were
// confirmed.
func (p *ConfirmationPoller) PollOnce(ctx context.Context) (int, error) {
	jobs, err := p.ledger.ListSubmitted(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var (
		confirmed int
		errs      []error
	)
	for _, job := range jobs {
		done, err := p.check(ctx, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			confirmed++
		}
	}
	return confirmed, errors.Join(errs...)
}

func (p *ConfirmationPoller) check(ctx context.Context, job domain.SettlementJob) (bool, error) {
	log := p.logger.With(slog.String("job_id", job.ID), slog.String("tx_hash", job.TxHash))

	cctx, cancel := context.WithTimeout(ctx, p.cfg.AdapterTimeout)
	st, err := p.adapter.Confirmations(cctx, job.TxHash)
	cancel()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Unknown to the chain is treated like a drop.
		st = domain.TxStatus{Dropped: true}
	case err != nil:
		p.metrics.AdapterError("confirmations")
		log.WarnContext(ctx, "confirmation check failed", slog.String("error", err.Error()))
		return false, nil
	}

	if st.Dropped {
		_, err := p.ledger.MarkFailed(ctx, job.ID, fmt.Errorf("%w: %s", domain.ErrTxDropped, job.TxHash), false)
		log.WarnContext(ctx, "transaction dropped")
		return false, err
	}

	updated, err := p.ledger.RecordConfirmations(ctx, job.ID, st)
	if err != nil {
		return false, err
	}
	if updated.Status == domain.JobStatusConfirmed {
		log.InfoContext(ctx, "job confirmed", slog.Int64("confirmations", updated.Confirmations))
		return true, nil
	}

	if p.cfg.ConfirmTimeout > 0 && job.SubmittedAt != nil && p.now().Sub(*job.SubmittedAt) > p.cfg.ConfirmTimeout {
		_, err := p.ledger.MarkFailed(ctx, job.ID,
			fmt.Errorf("%w: %d confirmations after %s", domain.ErrConfirmTimeout, st.Confirmations, p.cfg.ConfirmTimeout), false)
		log.WarnContext(ctx, "confirmation timed out")
		return false, err
	}
	return false, nil
}

// StaleReaper returns jobs abandoned in processing by a crashed worker to
// the retry path.
type StaleReaper struct {
	ledger   *service.SettlementService
	lease    time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewStaleReaper creates a reaper. Jobs claimed more than lease ago are
// considered abandoned.
func NewStaleReaper(ledger *service.SettlementService, lease, interval time.Duration, logger *slog.Logger) *StaleReaper {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleReaper{
		ledger:   ledger,
		lease:    lease,
		interval: interval,
		logger:   logger.With(slog.String("component", "stale_reaper")),
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (r *StaleReaper) WithClock(now func() time.Time) *StaleReaper {
	r.now = now
	return r
}

// Run reaps until ctx is cancelled.
func (r *StaleReaper) Run(ctx context.Context) error {
	r.logger.Info("stale reaper started", slog.Duration("lease", r.lease))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stale reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "reap failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReapOnce fails every expired claim once and returns the count.
func (r *StaleReaper) ReapOnce(ctx context.Context) (int, error) {
	jobs, err := r.ledger.ListStale(ctx, r.now().Add(-r.lease), 0)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, job := range jobs {
		cause := fmt.Errorf("%w: claim lease of %s expired", domain.ErrSignerUnavailable, r.lease)
		if _, err := r.ledger.MarkFailed(ctx, job.ID, cause, false); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.WarnContext(ctx, "reaped stale job", slog.String("job_id", job.ID))
		n++
	}
	return n, errors.Join(errs...)
}
