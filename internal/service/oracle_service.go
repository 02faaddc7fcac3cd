package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/shieldmarket/internal/amm"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
)

// OraclePolicy holds the resolution protocol's configurable rules.
type OraclePolicy struct {
	MinStake       int64
	DisputeWindow  time.Duration
	SlashRewardBps int64 // share of a slashed stake paid to the winning party; 0 burns it all
	Scale          int64 // minor units redeemed per winning share
}

// AttestRequest is a reporter's outcome claim.
type AttestRequest struct {
	ReporterID string
	MarketID   string
	Outcome    string
	Signature  string
	Evidence   string
}

// DisputeRequest challenges an attestation.
type DisputeRequest struct {
	AttestationID   string
	DisputerID      string
	DisputedOutcome string
	Reason          string
	Evidence        string
}

// ResolveResult is the outcome of ruling on a dispute.
type ResolveResult struct {
	Dispute     domain.Dispute
	Attestation domain.Attestation
	Jobs        []domain.SettlementJob
}

// FinalizeResult is the outcome of accepting an undisputed attestation.
type FinalizeResult struct {
	Attestation    domain.Attestation
	MarketResolved bool
	Jobs           []domain.SettlementJob
}

// OracleService runs the staked reporter and dispute protocol. Every slash
// and payout it decides is enqueued as a settlement job in the same
// transaction as the state change that caused it.
type OracleService struct {
	store      domain.Store
	settlement *SettlementService
	events     *EventPublisher
	metrics    *metrics.Metrics
	alerts     Alerter
	policy     OraclePolicy
	logger     *slog.Logger
	now        func() time.Time
}

// NewOracleService creates an OracleService.
func NewOracleService(
	store domain.Store,
	settlement *SettlementService,
	events *EventPublisher,
	m *metrics.Metrics,
	policy OraclePolicy,
	logger *slog.Logger,
) *OracleService {
	return &OracleService{
		store:      store,
		settlement: settlement,
		events:     events,
		metrics:    m,
		policy:     policy,
		logger:     logger.With(slog.String("component", "oracle_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithAlerter attaches an operator notifier for escalations.
func (s *OracleService) WithAlerter(a Alerter) *OracleService {
	s.alerts = a
	return s
}

// WithClock replaces the time source.
func (s *OracleService) WithClock(now func() time.Time) *OracleService {
	s.now = now
	return s
}

// jobBatch collects jobs created inside a transaction so they can be
// announced after commit.
type jobBatch struct {
	svc  *SettlementService
	jobs []domain.SettlementJob
}

func (b *jobBatch) enqueue(ctx context.Context, tx domain.Tx, req domain.JobRequest) (domain.SettlementJob, error) {
	job, created, err := b.svc.Enqueue(ctx, tx, req)
	if err != nil {
		return domain.SettlementJob{}, fmt.Errorf("enqueue %s: %w", req.JobType, err)
	}
	if created {
		b.jobs = append(b.jobs, job)
	}
	return job, nil
}

// RegisterReporter bonds amount from the user's available balance as an
// active reporter stake.
func (s *OracleService) RegisterReporter(ctx context.Context, userID string, amount int64) (domain.Stake, error) {
	if amount < s.policy.MinStake {
		return domain.Stake{}, fmt.Errorf("oracle_service: register %s: %w: %d < %d",
			userID, domain.ErrInsufficientStake, amount, s.policy.MinStake)
	}
	batch := &jobBatch{svc: s.settlement}
	var stake domain.Stake
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.Users().Get(ctx, userID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrUnknownUser, userID)
			}
			return err
		}
		bal, err := tx.Balances().GetForUpdate(ctx, userID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: no balance", domain.ErrInsufficientBalance)
		}
		if err != nil {
			return err
		}
		if bal.Available < amount {
			return fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientBalance, amount, bal.Available)
		}
		bal.Available -= amount
		bal.Locked += amount
		if err := tx.Balances().Upsert(ctx, bal); err != nil {
			return err
		}

		now := s.now()
		stake = domain.Stake{
			ID:        uuid.NewString(),
			UserID:    userID,
			StakeType: domain.StakeTypeReporter,
			Amount:    amount,
			Status:    domain.StakeStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Stakes().Create(ctx, stake); err != nil {
			return err
		}
		if _, err := batch.enqueue(ctx, tx, domain.JobRequest{
			JobType: domain.JobTypeStakeDeposit,
			UserID:  userID,
			StakeID: stake.ID,
			Amount:  amount,
		}); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "reporter_registered", map[string]any{
			"user_id":  userID,
			"stake_id": stake.ID,
			"amount":   amount,
		})
	})
	if err != nil {
		return domain.Stake{}, fmt.Errorf("oracle_service: register %s: %w", userID, err)
	}
	s.settlement.Announce(ctx, batch.jobs...)
	s.emit(ctx, "reporter_registered", domain.OracleEvent{StakeID: stake.ID, UserID: userID, Amount: amount})
	return stake, nil
}

// WithdrawStake returns an active stake to the owner's available balance.
// A stake still backing a pending or disputed attestation, or an open
// dispute, cannot be withdrawn.
func (s *OracleService) WithdrawStake(ctx context.Context, stakeID string) (domain.Stake, error) {
	batch := &jobBatch{svc: s.settlement}
	var stake domain.Stake
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		stake, err = tx.Stakes().GetForUpdate(ctx, stakeID)
		if err != nil {
			return err
		}
		if stake.Status != domain.StakeStatusActive {
			return fmt.Errorf("%w: stake is %s", domain.ErrStakeNotActive, stake.Status)
		}
		open, err := tx.Attestations().CountOpenByStake(ctx, stakeID)
		if err != nil {
			return err
		}
		disputes, err := tx.Disputes().CountOpenByStake(ctx, stakeID)
		if err != nil {
			return err
		}
		if open+disputes > 0 {
			return fmt.Errorf("%w: %d attestation(s), %d dispute(s)", domain.ErrStakeInUse, open, disputes)
		}

		bal, err := tx.Balances().GetForUpdate(ctx, stake.UserID)
		if err != nil {
			return err
		}
		bal.Locked -= stake.Amount
		bal.Available += stake.Amount
		if err := tx.Balances().Upsert(ctx, bal); err != nil {
			return err
		}

		stake.Status = domain.StakeStatusWithdrawn
		stake.UpdatedAt = s.now()
		if err := tx.Stakes().Update(ctx, stake); err != nil {
			return err
		}
		if _, err := batch.enqueue(ctx, tx, domain.JobRequest{
			JobType: domain.JobTypeStakeWithdrawal,
			UserID:  stake.UserID,
			StakeID: stake.ID,
			Amount:  stake.Amount,
		}); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "stake_withdrawn", map[string]any{
			"user_id":  stake.UserID,
			"stake_id": stake.ID,
			"amount":   stake.Amount,
		})
	})
	if err != nil {
		return domain.Stake{}, fmt.Errorf("oracle_service: withdraw %s: %w", stakeID, err)
	}
	s.settlement.Announce(ctx, batch.jobs...)
	s.emit(ctx, "stake_withdrawn", domain.OracleEvent{StakeID: stake.ID, UserID: stake.UserID, Amount: stake.Amount})
	return stake, nil
}

// Attest records a reporter's outcome claim. The dispute deadline is fixed
// here and never recomputed.
func (s *OracleService) Attest(ctx context.Context, req AttestRequest) (domain.Attestation, error) {
	outcome, err := domain.ParseOutcome(req.Outcome)
	if err != nil {
		return domain.Attestation{}, fmt.Errorf("oracle_service: attest: %w", err)
	}
	var att domain.Attestation
	err = s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		stake, err := tx.Stakes().FindActiveForUpdate(ctx, req.ReporterID, domain.StakeTypeReporter)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: no active reporter stake for %s", domain.ErrInsufficientStake, req.ReporterID)
		}
		if err != nil {
			return err
		}
		if stake.Amount < s.policy.MinStake {
			return fmt.Errorf("%w: stake %d below minimum %d", domain.ErrInsufficientStake, stake.Amount, s.policy.MinStake)
		}

		market, err := tx.Markets().Get(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if market.Resolved {
			return domain.ErrMarketResolved
		}

		prior, err := tx.Attestations().ListByMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		for _, p := range prior {
			if p.ReporterID == req.ReporterID {
				return fmt.Errorf("%w: attestation %s", domain.ErrAlreadyAttested, p.ID)
			}
		}

		now := s.now()
		att = domain.Attestation{
			ID:              uuid.NewString(),
			ReporterID:      req.ReporterID,
			StakeID:         stake.ID,
			MarketID:        req.MarketID,
			Outcome:         outcome,
			Signature:       req.Signature,
			Evidence:        req.Evidence,
			Status:          domain.AttestationPending,
			DisputeDeadline: now.Add(s.policy.DisputeWindow),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Attestations().Create(ctx, att); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return fmt.Errorf("%w: %w", domain.ErrAlreadyAttested, err)
			}
			return err
		}
		return tx.Audit().Log(ctx, "attested", map[string]any{
			"attestation_id":   att.ID,
			"reporter_id":      att.ReporterID,
			"market_id":        att.MarketID,
			"outcome":          string(att.Outcome),
			"dispute_deadline": att.DisputeDeadline,
		})
	})
	if err != nil {
		return domain.Attestation{}, fmt.Errorf("oracle_service: attest %s: %w", req.MarketID, err)
	}
	s.emit(ctx, "attested", domain.OracleEvent{
		MarketID: att.MarketID, AttestationID: att.ID, UserID: att.ReporterID, Outcome: string(att.Outcome),
	})
	return att, nil
}

// Dispute challenges a pending attestation inside its window, locking one of
// the disputer's active stakes.
func (s *OracleService) Dispute(ctx context.Context, req DisputeRequest) (domain.Dispute, error) {
	outcome, err := domain.ParseOutcome(req.DisputedOutcome)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("oracle_service: dispute: %w", err)
	}
	var d domain.Dispute
	var att domain.Attestation
	err = s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		att, err = tx.Attestations().GetForUpdate(ctx, req.AttestationID)
		if err != nil {
			return err
		}
		switch att.Status {
		case domain.AttestationPending:
		case domain.AttestationDisputed:
			return domain.ErrAlreadyDisputed
		default:
			return fmt.Errorf("%w: attestation is %s", domain.ErrInvalidTransition, att.Status)
		}
		now := s.now()
		if !att.DisputeOpen(now) {
			return fmt.Errorf("%w: deadline %s", domain.ErrDisputeWindowClosed, att.DisputeDeadline.Format(time.RFC3339))
		}
		if req.DisputerID == att.ReporterID {
			return domain.ErrSelfDispute
		}
		if outcome == att.Outcome {
			return domain.ErrOutcomeUnchanged
		}

		stake, err := s.findDisputerStake(ctx, tx, req.DisputerID)
		if err != nil {
			return err
		}

		d = domain.Dispute{
			ID:              uuid.NewString(),
			AttestationID:   att.ID,
			DisputerID:      req.DisputerID,
			StakeID:         stake.ID,
			DisputedOutcome: outcome,
			Reason:          req.Reason,
			Evidence:        req.Evidence,
			Status:          domain.DisputeOpen,
			Deadline:        att.DisputeDeadline,
			CreatedAt:       now,
		}
		stake.Status = domain.StakeStatusLocked
		stake.LockReason = domain.LockReasonDispute(d.ID)
		stake.UpdatedAt = now
		if err := tx.Stakes().Update(ctx, stake); err != nil {
			return err
		}
		if err := tx.Disputes().Create(ctx, d); err != nil {
			return err
		}
		att.Status = domain.AttestationDisputed
		att.UpdatedAt = now
		if err := tx.Attestations().Update(ctx, att); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "disputed", map[string]any{
			"dispute_id":       d.ID,
			"attestation_id":   att.ID,
			"disputer_id":      d.DisputerID,
			"stake_id":         stake.ID,
			"disputed_outcome": string(outcome),
		})
	})
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("oracle_service: dispute %s: %w", req.AttestationID, err)
	}
	s.emit(ctx, "disputed", domain.OracleEvent{
		MarketID: att.MarketID, AttestationID: att.ID, DisputeID: d.ID, StakeID: d.StakeID,
		UserID: d.DisputerID, Outcome: string(d.DisputedOutcome),
	})
	return d, nil
}

// findDisputerStake locks the disputer's largest active stake, preferring a
// reporter bond over a liquidity stake.
func (s *OracleService) findDisputerStake(ctx context.Context, tx domain.Tx, userID string) (domain.Stake, error) {
	for _, t := range []domain.StakeType{domain.StakeTypeReporter, domain.StakeTypeLiquidity} {
		stake, err := tx.Stakes().FindActiveForUpdate(ctx, userID, t)
		if err == nil {
			return stake, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Stake{}, err
		}
	}
	return domain.Stake{}, fmt.Errorf("%w: no active stake for %s", domain.ErrInsufficientStake, userID)
}

// Resolve rules on an open dispute. The dispute row is locked first so two
// concurrent resolutions cannot both act; the loser gets ErrAlreadyResolved.
func (s *OracleService) Resolve(ctx context.Context, disputeID string, verdict domain.Verdict, notes string) (ResolveResult, error) {
	if _, err := domain.ParseVerdict(string(verdict)); err != nil {
		return ResolveResult{}, fmt.Errorf("oracle_service: resolve %s: %w", disputeID, err)
	}
	batch := &jobBatch{svc: s.settlement}
	var res ResolveResult
	var marketResolved, conflict bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		d, err := tx.Disputes().GetForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != domain.DisputeOpen {
			return fmt.Errorf("%w: dispute is %s", domain.ErrAlreadyResolved, d.Status)
		}
		att, err := tx.Attestations().GetForUpdate(ctx, d.AttestationID)
		if err != nil {
			return err
		}
		now := s.now()

		switch verdict {
		case domain.VerdictReporterWins:
			if err := s.slash(ctx, tx, batch, d.StakeID, d.ID, att.ReporterID, now); err != nil {
				return err
			}
			att.Status = domain.AttestationAccepted
			d.Status = domain.DisputeResolvedForReporter
			marketResolved, err = s.resolveMarket(ctx, tx, batch, att, now)
			if errors.Is(err, domain.ErrMarketResolved) {
				// Another attestation settled the market with the other
				// outcome while this one was disputed. The market stays as
				// it is and operators reconcile.
				att.Status = domain.AttestationRejected
				conflict, err = true, nil
			}
			if err != nil {
				return err
			}
		case domain.VerdictDisputerWins:
			if err := s.slash(ctx, tx, batch, att.StakeID, d.ID, d.DisputerID, now); err != nil {
				return err
			}
			if err := s.unlock(ctx, tx, d.StakeID, now); err != nil {
				return err
			}
			att.Status = domain.AttestationRejected
			d.Status = domain.DisputeResolvedForDisputer
		case domain.VerdictEscalate:
			d.Status = domain.DisputeEscalated
		}

		d.Verdict = verdict
		d.Notes = notes
		d.ResolvedAt = &now
		if err := tx.Disputes().Update(ctx, d); err != nil {
			return err
		}
		att.UpdatedAt = now
		if err := tx.Attestations().Update(ctx, att); err != nil {
			return err
		}
		res.Dispute, res.Attestation = d, att
		return tx.Audit().Log(ctx, "dispute_resolved", map[string]any{
			"dispute_id":      d.ID,
			"attestation_id":  att.ID,
			"verdict":         string(verdict),
			"status":          string(d.Status),
			"jobs":            len(batch.jobs),
			"market_conflict": conflict,
		})
	})
	if err != nil {
		return ResolveResult{}, fmt.Errorf("oracle_service: resolve %s: %w", disputeID, err)
	}
	res.Jobs = batch.jobs
	s.settlement.Announce(ctx, batch.jobs...)
	s.emit(ctx, "dispute_resolved", domain.OracleEvent{
		MarketID: res.Attestation.MarketID, AttestationID: res.Attestation.ID, DisputeID: res.Dispute.ID,
		Verdict: string(verdict),
	})
	if marketResolved {
		s.emit(ctx, "market_resolved", domain.OracleEvent{
			MarketID: res.Attestation.MarketID, AttestationID: res.Attestation.ID, Outcome: string(res.Attestation.Outcome),
		})
	}
	if verdict == domain.VerdictEscalate {
		s.alertEscalation(ctx, res.Dispute, res.Attestation)
	}
	if conflict {
		s.alertConflict(ctx, res.Dispute, res.Attestation)
	}
	return res, nil
}

// slash burns a stake from the owner's locked balance and enqueues the slash
// job, plus the optional reward payout to winnerID. A reporter stake can back
// attestations on several markets, so it may already have been slashed by
// another dispute; that stake is gone and there is nothing left to take.
func (s *OracleService) slash(ctx context.Context, tx domain.Tx, batch *jobBatch, stakeID, disputeID, winnerID string, now time.Time) error {
	stake, err := tx.Stakes().GetForUpdate(ctx, stakeID)
	if err != nil {
		return err
	}
	if stake.Status == domain.StakeStatusSlashed {
		s.logger.InfoContext(ctx, "stake already slashed",
			slog.String("stake_id", stake.ID),
			slog.String("dispute_id", disputeID),
		)
		return nil
	}
	if stake.Status != domain.StakeStatusActive && stake.Status != domain.StakeStatusLocked {
		return fmt.Errorf("%w: stake %s is %s", domain.ErrStakeNotActive, stake.ID, stake.Status)
	}
	bal, err := tx.Balances().GetForUpdate(ctx, stake.UserID)
	if err != nil {
		return err
	}
	bal.Locked -= stake.Amount
	if err := tx.Balances().Upsert(ctx, bal); err != nil {
		return err
	}
	stake.Status = domain.StakeStatusSlashed
	stake.LockReason = ""
	stake.UpdatedAt = now
	if err := tx.Stakes().Update(ctx, stake); err != nil {
		return err
	}

	if _, err := batch.enqueue(ctx, tx, domain.JobRequest{
		JobType:   domain.JobTypeSlash,
		UserID:    stake.UserID,
		StakeID:   stake.ID,
		DisputeID: disputeID,
		Amount:    stake.Amount,
	}); err != nil {
		return err
	}
	s.metrics.OracleEvent("slash")

	reward := stake.Amount * s.policy.SlashRewardBps / amm.BpsDenominator
	if reward <= 0 || winnerID == "" {
		return nil
	}
	_, err = batch.enqueue(ctx, tx, domain.JobRequest{
		JobType:   domain.JobTypePayout,
		UserID:    winnerID,
		StakeID:   stake.ID,
		DisputeID: disputeID,
		Amount:    reward,
	})
	return err
}

// unlock returns a dispute-locked stake to active. A stake slashed by a
// dispute against its owner's own attestations stays slashed.
func (s *OracleService) unlock(ctx context.Context, tx domain.Tx, stakeID string, now time.Time) error {
	stake, err := tx.Stakes().GetForUpdate(ctx, stakeID)
	if err != nil {
		return err
	}
	if stake.Status == domain.StakeStatusSlashed {
		return nil
	}
	if stake.Status != domain.StakeStatusLocked {
		return fmt.Errorf("%w: stake %s is %s", domain.ErrInvalidTransition, stake.ID, stake.Status)
	}
	stake.Status = domain.StakeStatusActive
	stake.LockReason = ""
	stake.UpdatedAt = now
	return tx.Stakes().Update(ctx, stake)
}

// Finalize accepts an undisputed attestation once its window has elapsed and
// resolves the market if it is still open.
func (s *OracleService) Finalize(ctx context.Context, attestationID string) (FinalizeResult, error) {
	batch := &jobBatch{svc: s.settlement}
	var res FinalizeResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		att, err := tx.Attestations().GetForUpdate(ctx, attestationID)
		if err != nil {
			return err
		}
		switch att.Status {
		case domain.AttestationPending:
		case domain.AttestationAccepted:
			return domain.ErrAlreadyResolved
		case domain.AttestationDisputed:
			return domain.ErrAlreadyDisputed
		default:
			return fmt.Errorf("%w: attestation is %s", domain.ErrInvalidTransition, att.Status)
		}
		now := s.now()
		if att.DisputeOpen(now) {
			return fmt.Errorf("%w: until %s", domain.ErrDisputeWindowOpen, att.DisputeDeadline.Format(time.RFC3339))
		}

		att.Status = domain.AttestationAccepted
		res.MarketResolved, err = s.resolveMarket(ctx, tx, batch, att, now)
		if errors.Is(err, domain.ErrMarketResolved) {
			// An earlier attestation already settled the market with a
			// different outcome.
			att.Status = domain.AttestationRejected
			err = nil
		}
		if err != nil {
			return err
		}
		att.UpdatedAt = now
		if err := tx.Attestations().Update(ctx, att); err != nil {
			return err
		}
		res.Attestation = att
		return tx.Audit().Log(ctx, "attestation_finalized", map[string]any{
			"attestation_id":  att.ID,
			"market_id":       att.MarketID,
			"status":          string(att.Status),
			"market_resolved": res.MarketResolved,
			"payouts":         len(batch.jobs),
		})
	})
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("oracle_service: finalize %s: %w", attestationID, err)
	}
	res.Jobs = batch.jobs
	s.settlement.Announce(ctx, batch.jobs...)
	s.emit(ctx, "attestation_"+string(res.Attestation.Status), domain.OracleEvent{
		MarketID: res.Attestation.MarketID, AttestationID: res.Attestation.ID, Outcome: string(res.Attestation.Outcome),
	})
	if res.MarketResolved {
		s.emit(ctx, "market_resolved", domain.OracleEvent{
			MarketID: res.Attestation.MarketID, AttestationID: res.Attestation.ID, Outcome: string(res.Attestation.Outcome),
		})
	}
	return res, nil
}

// FinalizeExpired finalizes up to limit attestations whose window has
// elapsed. It returns how many were finalized; per-attestation failures are
// joined into the error without stopping the sweep.
func (s *OracleService) FinalizeExpired(ctx context.Context, limit int) (int, error) {
	var due []domain.Attestation
	err := s.store.InTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		due, err = tx.Attestations().ListExpiredPending(ctx, s.now(), limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("oracle_service: list expired: %w", err)
	}

	var errs []error
	n := 0
	for _, a := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := s.Finalize(ctx, a.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// resolveMarket marks the market resolved with att's outcome and enqueues a
// payout per winning position. A market already resolved with the same
// outcome is left alone and reports false; a different outcome yields
// domain.ErrMarketResolved.
func (s *OracleService) resolveMarket(ctx context.Context, tx domain.Tx, batch *jobBatch, att domain.Attestation, now time.Time) (bool, error) {
	// Same lock order as trading: pool, then market.
	if _, err := tx.Pools().GetForUpdate(ctx, att.MarketID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	market, err := tx.Markets().GetForUpdate(ctx, att.MarketID)
	if err != nil {
		return false, err
	}
	if market.Resolved {
		if market.Outcome == att.Outcome {
			return false, nil
		}
		return false, domain.ErrMarketResolved
	}
	if err := tx.Markets().Resolve(ctx, att.MarketID, att.Outcome, now); err != nil {
		return false, err
	}

	winners, err := tx.Positions().ListByMarketSide(ctx, att.MarketID, att.Outcome)
	if err != nil {
		return false, err
	}
	for _, p := range winners {
		if p.Shares <= 0 {
			continue
		}
		if _, err := batch.enqueue(ctx, tx, domain.JobRequest{
			JobType:  domain.JobTypePayout,
			UserID:   p.UserID,
			MarketID: att.MarketID,
			Amount:   amm.RedeemAmount(p.Shares, s.policy.Scale),
		}); err != nil {
			return false, err
		}
	}
	s.metrics.OracleEvent("market_resolved")
	return true, nil
}

func (s *OracleService) emit(ctx context.Context, typ string, evt domain.OracleEvent) {
	s.metrics.OracleEvent(typ)
	s.events.Oracle(ctx, typ, s.now(), evt)
	s.logger.InfoContext(ctx, "oracle "+typ,
		slog.String("market_id", evt.MarketID),
		slog.String("attestation_id", evt.AttestationID),
		slog.String("dispute_id", evt.DisputeID),
		slog.String("user_id", evt.UserID),
	)
}

func (s *OracleService) alertConflict(ctx context.Context, d domain.Dispute, att domain.Attestation) {
	s.logger.WarnContext(ctx, "dispute upheld on a market settled otherwise",
		slog.String("dispute_id", d.ID),
		slog.String("attestation_id", att.ID),
		slog.String("market_id", att.MarketID),
	)
	if s.alerts == nil {
		return
	}
	msg := fmt.Sprintf("dispute %s upheld attestation %s (%s) but market %s was already resolved the other way",
		d.ID, att.ID, att.Outcome, att.MarketID)
	fields := map[string]string{
		"dispute_id":     d.ID,
		"attestation_id": att.ID,
		"market_id":      att.MarketID,
	}
	if err := s.alerts.Notify(ctx, AlertMarketConflict, "Market outcome conflict", msg, fields); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

func (s *OracleService) alertEscalation(ctx context.Context, d domain.Dispute, att domain.Attestation) {
	if s.alerts == nil {
		return
	}
	msg := fmt.Sprintf("dispute %s on attestation %s (market %s, attested %s, disputed %s) needs governance review",
		d.ID, att.ID, att.MarketID, att.Outcome, d.DisputedOutcome)
	fields := map[string]string{
		"dispute_id":     d.ID,
		"attestation_id": att.ID,
		"market_id":      att.MarketID,
	}
	if err := s.alerts.Notify(ctx, AlertDisputeEscalated, "Dispute escalated", msg, fields); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
