// Package executor runs the settlement job loops: the worker that claims,
// signs and broadcasts pending jobs, the poller that confirms them, and the
// reaper that recovers abandoned claims.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
	"github.com/alanyoungcy/shieldmarket/internal/platform/chain"
	"github.com/alanyoungcy/shieldmarket/internal/service"
)

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	SignerTimeout  time.Duration
	AdapterTimeout time.Duration
	KeyID          string
	Accounts       Accounts
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SignerTimeout <= 0 {
		c.SignerTimeout = 10 * time.Second
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 15 * time.Second
	}
	return c
}

// Worker claims pending settlement jobs and pushes them through the signer
// and the chain adapter. Signer and adapter calls happen outside any
// database transaction; every outcome is recorded through the ledger.
// Any number of workers may run against the same store.
type Worker struct {
	store   domain.Store
	ledger  *service.SettlementService
	signer  domain.Signer
	adapter domain.ChainAdapter
	metrics *metrics.Metrics
	cfg     WorkerConfig
	logger  *slog.Logger

	pubMu sync.Mutex
	pub   []byte
}

// NewWorker creates a Worker.
func NewWorker(
	store domain.Store,
	ledger *service.SettlementService,
	signer domain.Signer,
	adapter domain.ChainAdapter,
	m *metrics.Metrics,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		store:   store,
		ledger:  ledger,
		signer:  signer,
		adapter: adapter,
		metrics: m,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "settlement_worker")),
	}
}

// Run starts cfg.Workers claim loops and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("settlement worker started",
		slog.Int("workers", w.cfg.Workers),
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Duration("poll_interval", w.cfg.PollInterval),
	)
	defer w.logger.Info("settlement worker stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Keep claiming while batches come back full.
		for {
			n, err := w.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
			}
			if err != nil || n < w.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and processes it. It returns the batch size.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.ledger.Claim(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

// process drives one claimed job to submitted or failed. Errors are recorded
// on the job, never returned.
func (w *Worker) process(ctx context.Context, job domain.SettlementJob) {
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.JobType)),
		slog.Int("attempt", job.RetryCount+1),
	)

	if !w.owns(ctx, log, job) {
		return
	}
	tx, err := w.prepare(ctx, job)
	if err != nil {
		w.fail(ctx, log, job, err)
		return
	}
	// Signing may have outlived the lease.
	if !w.owns(ctx, log, job) {
		return
	}

	bctx, cancel := context.WithTimeout(ctx, w.cfg.AdapterTimeout)
	res, err := w.adapter.Broadcast(bctx, tx)
	cancel()
	if err != nil {
		w.metrics.AdapterError("broadcast")
		w.fail(ctx, log, job, err)
		return
	}

	if _, err := w.ledger.MarkSubmitted(ctx, job.ID, res); err != nil {
		// The broadcast went out. A retry signs the same envelope, so the
		// adapter returns this transaction instead of sending another.
		log.ErrorContext(ctx, "record submission failed",
			slog.String("tx_hash", res.TxHash),
			slog.String("error", err.Error()),
		)
		return
	}
	log.InfoContext(ctx, "job broadcast",
		slog.String("tx_hash", res.TxHash),
		slog.Int64("block_height", res.BlockHeight),
	)
}

// prepare resolves addresses, validates the user-side address and signs the
// envelope.
func (w *Worker) prepare(ctx context.Context, job domain.SettlementJob) (domain.SignedTx, error) {
	var user domain.User
	err := w.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		user, err = tx.Users().Get(ctx, job.UserID)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SignedTx{}, fmt.Errorf("%w: unknown user %s", domain.ErrInvalidAddress, job.UserID)
	}
	if err != nil {
		return domain.SignedTx{}, fmt.Errorf("load user: %w", err)
	}

	if job.JobType != domain.JobTypeSlash {
		_, _, userSide := route(job, user, w.cfg.Accounts)
		if err := w.validate(ctx, userSide, job.TxType); err != nil {
			return domain.SignedTx{}, err
		}
	}

	payload, err := BuildEnvelope(job, user, w.cfg.Accounts).Marshal()
	if err != nil {
		return domain.SignedTx{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, w.cfg.SignerTimeout)
	defer cancel()
	sig, err := w.signer.Sign(sctx, payload, w.cfg.KeyID)
	if err != nil {
		w.metrics.AdapterError("sign")
		return domain.SignedTx{}, signerError(err)
	}
	pub, err := w.publicKey(sctx)
	if err != nil {
		w.metrics.AdapterError("public_key")
		return domain.SignedTx{}, signerError(err)
	}
	return domain.SignedTx{JobID: job.ID, Payload: payload, Signature: sig, PublicKey: pub}, nil
}

func (w *Worker) validate(ctx context.Context, addr string, txType domain.TxType) error {
	if addr == "" {
		return fmt.Errorf("%w: no %s address on file", domain.ErrInvalidAddress, txType)
	}
	vctx, cancel := context.WithTimeout(ctx, w.cfg.AdapterTimeout)
	defer cancel()
	info, err := w.adapter.ValidateAddress(vctx, addr)
	if err != nil {
		w.metrics.AdapterError("validate_address")
		return err
	}
	if !info.Valid {
		return fmt.Errorf("%w: %s", domain.ErrInvalidAddress, addr)
	}
	want := domain.TxTypeShielded
	if txType != domain.TxTypeShielded {
		want = domain.TxTypeTransparent
	}
	if info.Type != want {
		return fmt.Errorf("%w: %s is %s, job needs %s", domain.ErrInvalidAddress, addr, info.Type, want)
	}
	return nil
}

// publicKey caches the signer's public key after the first fetch.
func (w *Worker) publicKey(ctx context.Context) ([]byte, error) {
	w.pubMu.Lock()
	defer w.pubMu.Unlock()
	if w.pub != nil {
		return w.pub, nil
	}
	pub, err := w.signer.PublicKey(ctx, w.cfg.KeyID)
	if err != nil {
		return nil, err
	}
	w.pub = pub
	return pub, nil
}

// owns reports whether the worker still holds job's claim. A lost claim is
// left to whoever holds it now.
func (w *Worker) owns(ctx context.Context, log *slog.Logger, job domain.SettlementJob) bool {
	err := w.ledger.VerifyClaim(ctx, job)
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrClaimLost) {
		log.WarnContext(ctx, "claim lost, abandoning job", slog.String("error", err.Error()))
	} else {
		log.ErrorContext(ctx, "verify claim failed", slog.String("error", err.Error()))
	}
	return false
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, job domain.SettlementJob, cause error) {
	if !w.owns(ctx, log, job) {
		return
	}
	permanent := !chain.IsRetryable(cause)
	updated, err := w.ledger.MarkFailed(ctx, job.ID, cause, permanent)
	if err != nil {
		log.ErrorContext(ctx, "record failure failed",
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	log.WarnContext(ctx, "job attempt failed",
		slog.String("error", cause.Error()),
		slog.Bool("permanent", permanent),
		slog.String("status", string(updated.Status)),
		slog.Time("next_attempt_at", updated.NextAttemptAt),
	)
}

func signerError(err error) error {
	if errors.Is(err, domain.ErrSignerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrSignerUnavailable, err)
}
