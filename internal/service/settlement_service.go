package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
)

// Alerter delivers operator notifications. *notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string, fields map[string]string) error
}

// Notification event types understood by the notifier filter.
const (
	AlertJobFailed         = "job_failed"
	AlertDisputeEscalated  = "dispute_escalated"
	AlertMarketConflict    = "market_conflict"
	AlertInvariantViolated = "error"
)

// SettlementPolicy holds the ledger's configurable rules.
type SettlementPolicy struct {
	MaxRetries            int
	AllowNonShielded      bool
	RequireKYC            bool
	ConfirmationThreshold int64
	BackoffBase           time.Duration
	BackoffMax            time.Duration
}

// SettlementService owns the settlement job ledger. Every job state change,
// whether requested through the API or made by a worker, goes through it so
// transitions are validated, audited and published in one place.
type SettlementService struct {
	store   domain.Store
	events  *EventPublisher
	metrics *metrics.Metrics
	alerts  Alerter
	policy  SettlementPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(
	store domain.Store,
	events *EventPublisher,
	m *metrics.Metrics,
	policy SettlementPolicy,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		store:   store,
		events:  events,
		metrics: m,
		policy:  policy,
		logger:  logger.With(slog.String("component", "settlement_service")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithAlerter attaches an operator notifier for terminal failures.
func (s *SettlementService) WithAlerter(a Alerter) *SettlementService {
	s.alerts = a
	return s
}

// WithClock replaces the time source.
func (s *SettlementService) WithClock(now func() time.Time) *SettlementService {
	s.now = now
	return s
}

// Policy returns the active settlement policy.
func (s *SettlementService) Policy() SettlementPolicy {
	return s.policy
}

// Submit validates req and records a pending job. Submitting a request whose
// dedup key already exists returns the original job.
func (s *SettlementService) Submit(ctx context.Context, req domain.JobRequest) (domain.SettlementJob, error) {
	var job domain.SettlementJob
	var created bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		job, created, err = s.Enqueue(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("settlement_service: submit %s: %w", req.JobType, err)
	}
	if created {
		s.Announce(ctx, job)
	}
	return job, nil
}

// Enqueue records a pending job inside the caller's transaction. It reports
// whether a new row was written; false means the dedup key already existed
// and the existing job is returned.
func (s *SettlementService) Enqueue(ctx context.Context, tx domain.Tx, req domain.JobRequest) (domain.SettlementJob, bool, error) {
	jobType, err := domain.ParseJobType(string(req.JobType))
	if err != nil {
		return domain.SettlementJob{}, false, err
	}
	txType, err := domain.ParseTxType(string(req.TxType))
	if err != nil {
		return domain.SettlementJob{}, false, err
	}
	if req.Amount <= 0 {
		return domain.SettlementJob{}, false, fmt.Errorf("%w: %d", domain.ErrInvalidAmount, req.Amount)
	}
	if req.UserID == "" {
		return domain.SettlementJob{}, false, fmt.Errorf("%w: user id required", domain.ErrInvalidInput)
	}
	req.JobType, req.TxType = jobType, txType

	user, err := tx.Users().Get(ctx, req.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementJob{}, false, fmt.Errorf("%w: %s", domain.ErrUnknownUser, req.UserID)
	}
	if err != nil {
		return domain.SettlementJob{}, false, err
	}
	if err := s.checkPrivacy(user, txType); err != nil {
		return domain.SettlementJob{}, false, err
	}

	key := req.DefaultDedupKey()
	if key == "" {
		return domain.SettlementJob{}, false, fmt.Errorf("%w: dedup key required for %s", domain.ErrInvalidInput, jobType)
	}
	existing, err := tx.Jobs().GetByDedupKey(ctx, key)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.SettlementJob{}, false, err
	}

	now := s.now()
	job := domain.SettlementJob{
		ID:            uuid.NewString(),
		JobType:       jobType,
		TxType:        txType,
		Status:        domain.JobStatusPending,
		DedupKey:      key,
		UserID:        req.UserID,
		MarketID:      req.MarketID,
		FillID:        req.FillID,
		StakeID:       req.StakeID,
		DisputeID:     req.DisputeID,
		Amount:        req.Amount,
		MaxRetries:    s.policy.MaxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.Jobs().Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// A concurrent submitter won the key; retrying the whole
			// operation returns its job.
			return domain.SettlementJob{}, false, fmt.Errorf("%w: dedup key %s", domain.ErrConflict, key)
		}
		return domain.SettlementJob{}, false, err
	}
	if err := tx.Audit().Log(ctx, "job_created", map[string]any{
		"job_id":    job.ID,
		"job_type":  string(job.JobType),
		"tx_type":   string(job.TxType),
		"user_id":   job.UserID,
		"amount":    job.Amount,
		"dedup_key": job.DedupKey,
	}); err != nil {
		return domain.SettlementJob{}, false, err
	}
	return job, true, nil
}

// checkPrivacy allows non-shielded transactions only when the deployment
// permits them, requires KYC, and the user has passed it.
func (s *SettlementService) checkPrivacy(user domain.User, txType domain.TxType) error {
	if txType == domain.TxTypeShielded {
		return nil
	}
	if s.policy.AllowNonShielded && s.policy.RequireKYC && user.KYCVerified {
		return nil
	}
	return fmt.Errorf("%w: %s transaction for user %s", domain.ErrPrivacyPolicyViolation, txType, user.ID)
}

// Announce publishes creation events and metrics for jobs committed by
// another service's transaction.
func (s *SettlementService) Announce(ctx context.Context, jobs ...domain.SettlementJob) {
	for _, j := range jobs {
		s.metrics.JobEnqueued(string(j.JobType), string(j.TxType))
		s.logger.InfoContext(ctx, "job enqueued",
			slog.String("job_id", j.ID),
			slog.String("job_type", string(j.JobType)),
			slog.String("tx_type", string(j.TxType)),
			slog.Int64("amount", j.Amount),
		)
	}
	s.events.Jobs(ctx, jobs...)
}

// Cancel moves a pending job to cancelled.
func (s *SettlementService) Cancel(ctx context.Context, jobID string) (domain.SettlementJob, error) {
	job, err := s.transition(ctx, jobID, "job_cancelled", func(j *domain.SettlementJob, now time.Time) error {
		return j.Transition(domain.JobStatusCancelled, now)
	})
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("settlement_service: cancel %s: %w", jobID, err)
	}
	return job, nil
}

// Status returns a job by ID.
func (s *SettlementService) Status(ctx context.Context, jobID string) (domain.SettlementJob, error) {
	var job domain.SettlementJob
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		job, err = tx.Jobs().Get(ctx, jobID)
		return err
	})
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("settlement_service: status %s: %w", jobID, err)
	}
	return job, nil
}

// Claim moves up to limit due pending jobs to processing.
func (s *SettlementService) Claim(ctx context.Context, limit int) ([]domain.SettlementJob, error) {
	start := time.Now()
	var jobs []domain.SettlementJob
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		jobs, err = tx.Jobs().ClaimPending(ctx, s.now(), limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("settlement_service: claim: %w", err)
	}
	s.metrics.ObserveClaim(time.Since(start), len(jobs))
	for range jobs {
		s.metrics.JobTransitioned(string(domain.JobStatusProcessing))
	}
	s.events.Jobs(ctx, jobs...)
	return jobs, nil
}

// VerifyClaim checks under a row lock that job is still processing under the
// claim the caller received. It returns ErrClaimLost once the lease was
// reaped or another worker holds the job.
func (s *SettlementService) VerifyClaim(ctx context.Context, job domain.SettlementJob) error {
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.Jobs().GetForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.JobStatusProcessing || !sameInstant(cur.ClaimedAt, job.ClaimedAt) {
			return fmt.Errorf("%w: job %s is %s", domain.ErrClaimLost, job.ID, cur.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settlement_service: verify claim %s: %w", job.ID, err)
	}
	return nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// MarkSubmitted records a successful broadcast.
func (s *SettlementService) MarkSubmitted(ctx context.Context, jobID string, res domain.BroadcastResult) (domain.SettlementJob, error) {
	job, err := s.transition(ctx, jobID, "job_submitted", func(j *domain.SettlementJob, now time.Time) error {
		if err := j.Transition(domain.JobStatusSubmitted, now); err != nil {
			return err
		}
		j.TxHash = res.TxHash
		j.BlockHeight = res.BlockHeight
		j.Confirmations = 0
		j.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("settlement_service: mark submitted %s: %w", jobID, err)
	}
	return job, nil
}

// MarkFailed records a signer or adapter failure. The job returns to pending
// with exponential backoff while retries remain. Permanent failures consume
// the remaining retry budget and leave the job failed.
func (s *SettlementService) MarkFailed(ctx context.Context, jobID string, cause error, permanent bool) (domain.SettlementJob, error) {
	job, err := s.transition(ctx, jobID, "job_failed", func(j *domain.SettlementJob, now time.Time) error {
		if err := j.Transition(domain.JobStatusFailed, now); err != nil {
			return err
		}
		j.RetryCount++
		j.ErrorMessage = cause.Error()
		if permanent && j.RetryCount < j.MaxRetries {
			j.RetryCount = j.MaxRetries
		}
		if !j.CanRetry() {
			return nil
		}
		j.NextAttemptAt = now.Add(s.backoff(j.RetryCount))
		return j.Transition(domain.JobStatusPending, now)
	})
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("settlement_service: mark failed %s: %w", jobID, err)
	}
	if job.Status == domain.JobStatusFailed {
		s.alertTerminal(ctx, job)
	}
	return job, nil
}

// backoff returns base * 2^(attempt-1), capped at BackoffMax.
func (s *SettlementService) backoff(attempt int) time.Duration {
	d := s.policy.BackoffBase
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.policy.BackoffMax > 0 && d >= s.policy.BackoffMax {
			return s.policy.BackoffMax
		}
	}
	if s.policy.BackoffMax > 0 && d > s.policy.BackoffMax {
		return s.policy.BackoffMax
	}
	return d
}

// RecordConfirmations applies the chain's view of a submitted job. Reaching
// the confirmation threshold confirms it.
func (s *SettlementService) RecordConfirmations(ctx context.Context, jobID string, st domain.TxStatus) (domain.SettlementJob, error) {
	job, err := s.transition(ctx, jobID, "", func(j *domain.SettlementJob, now time.Time) error {
		if j.Status != domain.JobStatusSubmitted {
			return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, j.ID, j.Status)
		}
		j.Confirmations = st.Confirmations
		if st.BlockHeight > 0 {
			j.BlockHeight = st.BlockHeight
		}
		j.UpdatedAt = now
		if st.Confirmations >= s.policy.ConfirmationThreshold {
			return j.Transition(domain.JobStatusConfirmed, now)
		}
		return nil
	})
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("settlement_service: confirmations %s: %w", jobID, err)
	}
	if job.Status == domain.JobStatusConfirmed {
		s.metrics.JobConfirmed(string(job.JobType), job.Amount)
	}
	return job, nil
}

// ListSubmitted returns jobs awaiting confirmation.
func (s *SettlementService) ListSubmitted(ctx context.Context, limit int) ([]domain.SettlementJob, error) {
	var jobs []domain.SettlementJob
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		jobs, err = tx.Jobs().ListByStatus(ctx, domain.JobStatusSubmitted, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("settlement_service: list submitted: %w", err)
	}
	return jobs, nil
}

// ListStale returns processing jobs claimed before the cutoff.
func (s *SettlementService) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SettlementJob, error) {
	var jobs []domain.SettlementJob
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		jobs, err = tx.Jobs().ListStaleProcessing(ctx, claimedBefore, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("settlement_service: list stale: %w", err)
	}
	return jobs, nil
}

// RefreshGauges updates the per-status job gauges.
func (s *SettlementService) RefreshGauges(ctx context.Context) error {
	var counts map[domain.JobStatus]int64
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		counts, err = tx.Jobs().CountByStatus(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("settlement_service: count jobs: %w", err)
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	s.metrics.SetJobCounts(out)
	return nil
}

// transition locks a job, applies fn and persists the result. auditEvent
// may be empty for high-frequency updates.
func (s *SettlementService) transition(
	ctx context.Context,
	jobID, auditEvent string,
	fn func(j *domain.SettlementJob, now time.Time) error,
) (domain.SettlementJob, error) {
	var job domain.SettlementJob
	var before domain.JobStatus
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		job, err = tx.Jobs().GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		before = job.Status
		if err := fn(&job, s.now()); err != nil {
			return err
		}
		if err := tx.Jobs().Update(ctx, job); err != nil {
			return err
		}
		if auditEvent == "" && job.Status == before {
			return nil
		}
		if auditEvent == "" {
			auditEvent = "job_" + string(job.Status)
		}
		return tx.Audit().Log(ctx, auditEvent, map[string]any{
			"job_id":      job.ID,
			"from":        string(before),
			"to":          string(job.Status),
			"retry_count": job.RetryCount,
			"tx_hash":     job.TxHash,
			"error":       job.ErrorMessage,
		})
	})
	if err != nil {
		return domain.SettlementJob{}, err
	}
	if job.Status != before {
		s.metrics.JobTransitioned(string(job.Status))
		s.events.Jobs(ctx, job)
		s.logger.InfoContext(ctx, "job transitioned",
			slog.String("job_id", job.ID),
			slog.String("from", string(before)),
			slog.String("to", string(job.Status)),
			slog.Int("retry_count", job.RetryCount),
		)
	}
	return job, nil
}

func (s *SettlementService) alertTerminal(ctx context.Context, job domain.SettlementJob) {
	s.logger.ErrorContext(ctx, "job failed permanently",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.JobType)),
		slog.Int("retry_count", job.RetryCount),
		slog.String("error", job.ErrorMessage),
	)
	if s.alerts == nil {
		return
	}
	msg := fmt.Sprintf("job %s (%s, %d minor units) failed after %d attempts: %s",
		job.ID, job.JobType, job.Amount, job.RetryCount, job.ErrorMessage)
	fields := map[string]string{
		"job_id":   job.ID,
		"job_type": string(job.JobType),
		"tx_type":  string(job.TxType),
		"amount":   strconv.FormatInt(job.Amount, 10),
	}
	if job.MarketID != "" {
		fields["market_id"] = job.MarketID
	}
	if err := s.alerts.Notify(ctx, AlertJobFailed, "Settlement job failed", msg, fields); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
