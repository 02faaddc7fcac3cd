package domain

import (
	"fmt"
	"time"
)

// JobType is the kind of currency movement a settlement job performs.
type JobType string

const (
	JobTypeTradeSettlement JobType = "trade_settlement"
	JobTypePayout          JobType = "payout"
	JobTypeStakeDeposit    JobType = "stake_deposit"
	JobTypeStakeWithdrawal JobType = "stake_withdrawal"
	JobTypeSlash           JobType = "slash"
)

// ParseJobType validates s as a job type.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobTypeTradeSettlement, JobTypePayout, JobTypeStakeDeposit, JobTypeStakeWithdrawal, JobTypeSlash:
		return JobType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidJobType, s)
}

// TxType is the privacy mode of a settlement transaction.
type TxType string

const (
	TxTypeShielded    TxType = "shielded"
	TxTypeTransparent TxType = "transparent"
	TxTypeDeshield    TxType = "deshield"
)

// ParseTxType validates s as a tx type. Empty input defaults to shielded.
func ParseTxType(s string) (TxType, error) {
	if s == "" {
		return TxTypeShielded, nil
	}
	switch TxType(s) {
	case TxTypeShielded, TxTypeTransparent, TxTypeDeshield:
		return TxType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTxType, s)
}

// JobStatus is the lifecycle state of a settlement job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusConfirmed  JobStatus = "confirmed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusSubmitted, JobStatusFailed},
	JobStatusSubmitted:  {JobStatusConfirmed, JobStatusFailed},
	JobStatusFailed:     {JobStatusPending},
}

// CanTransition reports whether a job may move from one status to another.
// failed -> pending is further limited by the retry budget, see CanRetry.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible without a retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusConfirmed || s == JobStatusCancelled
}

// SettlementJob is a durable intent to move currency on chain.
type SettlementJob struct {
	ID            string
	JobType       JobType
	TxType        TxType
	Status        JobStatus
	DedupKey      string
	UserID        string
	MarketID      string
	FillID        string
	StakeID       string
	DisputeID     string
	Amount        int64 // minor units
	TxHash        string
	BlockHeight   int64
	Confirmations int64
	RetryCount    int
	MaxRetries    int
	ErrorMessage  string
	NextAttemptAt time.Time
	ClaimedAt     *time.Time
	SubmittedAt   *time.Time
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanRetry reports whether a failed job still has retry budget.
func (j SettlementJob) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Transition moves j to status to or returns ErrInvalidTransition.
func (j *SettlementJob) Transition(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, j.Status, to)
	}
	if j.Status == JobStatusFailed && to == JobStatusPending && !j.CanRetry() {
		return fmt.Errorf("%w: job %s retries exhausted (%d/%d)", ErrInvalidTransition, j.ID, j.RetryCount, j.MaxRetries)
	}
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case JobStatusProcessing:
		t := now
		j.ClaimedAt = &t
	case JobStatusSubmitted:
		t := now
		j.SubmittedAt = &t
	case JobStatusConfirmed:
		t := now
		j.ConfirmedAt = &t
	}
	return nil
}

// JobRequest is the caller-supplied part of a new settlement job.
type JobRequest struct {
	JobType   JobType
	TxType    TxType
	UserID    string
	MarketID  string
	FillID    string
	StakeID   string
	DisputeID string
	Amount    int64
	DedupKey  string
}

// DefaultDedupKey derives a natural idempotency key from the request's
// references when the caller did not supply one.
func (r JobRequest) DefaultDedupKey() string {
	if r.DedupKey != "" {
		return r.DedupKey
	}
	switch r.JobType {
	case JobTypeTradeSettlement:
		return fmt.Sprintf("%s:%s", r.JobType, r.FillID)
	case JobTypeStakeDeposit, JobTypeStakeWithdrawal:
		return fmt.Sprintf("%s:%s", r.JobType, r.StakeID)
	case JobTypeSlash:
		return fmt.Sprintf("%s:%s:%s", r.JobType, r.StakeID, r.DisputeID)
	case JobTypePayout:
		if r.DisputeID != "" {
			return fmt.Sprintf("%s:%s:%s", r.JobType, r.DisputeID, r.UserID)
		}
		return fmt.Sprintf("%s:%s:%s", r.JobType, r.MarketID, r.UserID)
	}
	return ""
}
