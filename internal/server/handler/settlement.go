package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// SettlementService defines the job ledger operations exposed over HTTP.
type SettlementService interface {
	Submit(ctx context.Context, req domain.JobRequest) (domain.SettlementJob, error)
	Status(ctx context.Context, jobID string) (domain.SettlementJob, error)
	Cancel(ctx context.Context, jobID string) (domain.SettlementJob, error)
}

// SettlementHandler serves the settlement job endpoints.
type SettlementHandler struct {
	jobs   SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(jobs SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{jobs: jobs, logger: logHandler(logger, "settlement")}
}

type jobDTO struct {
	ID            string     `json:"id"`
	JobType       string     `json:"job_type"`
	TxType        string     `json:"tx_type"`
	Status        string     `json:"status"`
	DedupKey      string     `json:"dedup_key"`
	UserID        string     `json:"user_id"`
	MarketID      string     `json:"market_id,omitempty"`
	FillID        string     `json:"fill_id,omitempty"`
	StakeID       string     `json:"stake_id,omitempty"`
	DisputeID     string     `json:"dispute_id,omitempty"`
	Amount        int64      `json:"amount"`
	TxHash        string     `json:"tx_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	Confirmations int64      `json:"confirmations"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	Error         string     `json:"error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newJobDTO(j domain.SettlementJob) jobDTO {
	return jobDTO{
		ID:            j.ID,
		JobType:       string(j.JobType),
		TxType:        string(j.TxType),
		Status:        string(j.Status),
		DedupKey:      j.DedupKey,
		UserID:        j.UserID,
		MarketID:      j.MarketID,
		FillID:        j.FillID,
		StakeID:       j.StakeID,
		DisputeID:     j.DisputeID,
		Amount:        j.Amount,
		TxHash:        j.TxHash,
		BlockHeight:   j.BlockHeight,
		Confirmations: j.Confirmations,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		Error:         j.ErrorMessage,
		NextAttemptAt: j.NextAttemptAt,
		SubmittedAt:   j.SubmittedAt,
		ConfirmedAt:   j.ConfirmedAt,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

type submitJobRequest struct {
	JobType   string `json:"job_type"`
	TxType    string `json:"tx_type,omitempty"`
	UserID    string `json:"user_id"`
	MarketID  string `json:"market_id,omitempty"`
	FillID    string `json:"fill_id,omitempty"`
	StakeID   string `json:"stake_id,omitempty"`
	DisputeID string `json:"dispute_id,omitempty"`
	Amount    int64  `json:"amount"`
	DedupKey  string `json:"dedup_key,omitempty"`
}

// Submit records a settlement job. Resubmitting a dedup key returns the
// existing job.
// POST /v1/settlement/jobs
func (h *SettlementHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "submit job", err)
		return
	}
	jobType, err := domain.ParseJobType(req.JobType)
	if err != nil {
		writeDomainError(w, r, h.logger, "submit job", err)
		return
	}
	txType, err := domain.ParseTxType(req.TxType)
	if err != nil {
		writeDomainError(w, r, h.logger, "submit job", err)
		return
	}
	job, err := h.jobs.Submit(r.Context(), domain.JobRequest{
		JobType:   jobType,
		TxType:    txType,
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		FillID:    req.FillID,
		StakeID:   req.StakeID,
		DisputeID: req.DisputeID,
		Amount:    req.Amount,
		DedupKey:  req.DedupKey,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "submit job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobDTO(job))
}

// Get returns one job.
// GET /v1/settlement/jobs/{id}
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Status(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, newJobDTO(job))
}

// Cancel cancels a pending job.
// POST /v1/settlement/jobs/{id}/cancel
func (h *SettlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Cancel(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, newJobDTO(job))
}
