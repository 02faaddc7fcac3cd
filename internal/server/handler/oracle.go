package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/service"
)

// OracleService defines the resolution protocol operations exposed over HTTP.
type OracleService interface {
	RegisterReporter(ctx context.Context, userID string, amount int64) (domain.Stake, error)
	WithdrawStake(ctx context.Context, stakeID string) (domain.Stake, error)
	Attest(ctx context.Context, req service.AttestRequest) (domain.Attestation, error)
	Finalize(ctx context.Context, attestationID string) (service.FinalizeResult, error)
	Dispute(ctx context.Context, req service.DisputeRequest) (domain.Dispute, error)
	Resolve(ctx context.Context, disputeID string, verdict domain.Verdict, notes string) (service.ResolveResult, error)
}

// OracleHandler serves stake, attestation and dispute endpoints.
type OracleHandler struct {
	oracle OracleService
	logger *slog.Logger
}

// NewOracleHandler creates an OracleHandler.
func NewOracleHandler(oracle OracleService, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{oracle: oracle, logger: logHandler(logger, "oracle")}
}

type stakeDTO struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	StakeType  string    `json:"stake_type"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	LockReason string    `json:"lock_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newStakeDTO(s domain.Stake) stakeDTO {
	return stakeDTO{
		ID:         s.ID,
		UserID:     s.UserID,
		StakeType:  string(s.StakeType),
		Amount:     s.Amount,
		Status:     string(s.Status),
		LockReason: s.LockReason,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

type attestationDTO struct {
	ID              string    `json:"id"`
	ReporterID      string    `json:"reporter_id"`
	StakeID         string    `json:"stake_id"`
	MarketID        string    `json:"market_id"`
	Outcome         string    `json:"outcome"`
	Status          string    `json:"status"`
	DisputeDeadline time.Time `json:"dispute_deadline"`
	CreatedAt       time.Time `json:"created_at"`
}

func newAttestationDTO(a domain.Attestation) attestationDTO {
	return attestationDTO{
		ID:              a.ID,
		ReporterID:      a.ReporterID,
		StakeID:         a.StakeID,
		MarketID:        a.MarketID,
		Outcome:         string(a.Outcome),
		Status:          string(a.Status),
		DisputeDeadline: a.DisputeDeadline,
		CreatedAt:       a.CreatedAt,
	}
}

type disputeDTO struct {
	ID              string     `json:"id"`
	AttestationID   string     `json:"attestation_id"`
	DisputerID      string     `json:"disputer_id"`
	StakeID         string     `json:"stake_id"`
	DisputedOutcome string     `json:"disputed_outcome"`
	Status          string     `json:"status"`
	Deadline        time.Time  `json:"deadline"`
	Verdict         string     `json:"verdict,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

func newDisputeDTO(d domain.Dispute) disputeDTO {
	return disputeDTO{
		ID:              d.ID,
		AttestationID:   d.AttestationID,
		DisputerID:      d.DisputerID,
		StakeID:         d.StakeID,
		DisputedOutcome: string(d.DisputedOutcome),
		Status:          string(d.Status),
		Deadline:        d.Deadline,
		Verdict:         string(d.Verdict),
		Notes:           d.Notes,
		CreatedAt:       d.CreatedAt,
		ResolvedAt:      d.ResolvedAt,
	}
}

func newJobDTOs(jobs []domain.SettlementJob) []jobDTO {
	out := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobDTO(j))
	}
	return out
}

type registerReporterRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// RegisterReporter bonds a reporter stake.
// POST /v1/oracle/reporters
func (h *OracleHandler) RegisterReporter(w http.ResponseWriter, r *http.Request) {
	var req registerReporterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "register reporter", err)
		return
	}
	stake, err := h.oracle.RegisterReporter(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "register reporter", err)
		return
	}
	writeJSON(w, http.StatusCreated, newStakeDTO(stake))
}

// WithdrawStake releases an idle stake.
// POST /v1/oracle/stakes/{id}/withdraw
func (h *OracleHandler) WithdrawStake(w http.ResponseWriter, r *http.Request) {
	stake, err := h.oracle.WithdrawStake(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw stake", err)
		return
	}
	writeJSON(w, http.StatusOK, newStakeDTO(stake))
}

type attestRequest struct {
	ReporterID string `json:"reporter_id"`
	MarketID   string `json:"market_id"`
	Outcome    string `json:"outcome"`
	Signature  string `json:"signature,omitempty"`
	Evidence   string `json:"evidence,omitempty"`
}

// Attest records a reporter's outcome claim.
// POST /v1/oracle/attestations
func (h *OracleHandler) Attest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "attest", err)
		return
	}
	att, err := h.oracle.Attest(r.Context(), service.AttestRequest{
		ReporterID: req.ReporterID,
		MarketID:   req.MarketID,
		Outcome:    req.Outcome,
		Signature:  req.Signature,
		Evidence:   req.Evidence,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "attest", err)
		return
	}
	writeJSON(w, http.StatusCreated, newAttestationDTO(att))
}

type finalizeResponse struct {
	Attestation    attestationDTO `json:"attestation"`
	MarketResolved bool           `json:"market_resolved"`
	Jobs           []jobDTO       `json:"jobs"`
}

// Finalize accepts an attestation whose dispute window has passed.
// POST /v1/oracle/attestations/{id}/finalize
func (h *OracleHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	res, err := h.oracle.Finalize(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "finalize", err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		Attestation:    newAttestationDTO(res.Attestation),
		MarketResolved: res.MarketResolved,
		Jobs:           newJobDTOs(res.Jobs),
	})
}

type disputeRequest struct {
	AttestationID   string `json:"attestation_id"`
	DisputerID      string `json:"disputer_id"`
	DisputedOutcome string `json:"disputed_outcome"`
	Reason          string `json:"reason,omitempty"`
	Evidence        string `json:"evidence,omitempty"`
}

// Dispute challenges an attestation inside its window.
// POST /v1/oracle/disputes
func (h *OracleHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "dispute", err)
		return
	}
	d, err := h.oracle.Dispute(r.Context(), service.DisputeRequest{
		AttestationID:   req.AttestationID,
		DisputerID:      req.DisputerID,
		DisputedOutcome: req.DisputedOutcome,
		Reason:          req.Reason,
		Evidence:        req.Evidence,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "dispute", err)
		return
	}
	writeJSON(w, http.StatusCreated, newDisputeDTO(d))
}

type resolveRequest struct {
	Verdict string `json:"verdict"`
	Notes   string `json:"notes,omitempty"`
}

type resolveResponse struct {
	Dispute     disputeDTO     `json:"dispute"`
	Attestation attestationDTO `json:"attestation"`
	Jobs        []jobDTO       `json:"jobs"`
}

// Resolve rules on an open dispute.
// POST /v1/oracle/disputes/{id}/resolve
func (h *OracleHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	verdict, err := domain.ParseVerdict(req.Verdict)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	res, err := h.oracle.Resolve(r.Context(), pathParam(r, "id"), verdict, req.Notes)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		Dispute:     newDisputeDTO(res.Dispute),
		Attestation: newAttestationDTO(res.Attestation),
		Jobs:        newJobDTOs(res.Jobs),
	})
}
