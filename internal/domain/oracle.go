package domain

import (
	"fmt"
	"time"
)

// StakeType distinguishes reporter bonds from liquidity stakes.
type StakeType string

const (
	StakeTypeReporter  StakeType = "reporter"
	StakeTypeLiquidity StakeType = "liquidity"
)

// StakeStatus is the lifecycle state of a stake.
type StakeStatus string

const (
	StakeStatusActive    StakeStatus = "active"
	StakeStatusLocked    StakeStatus = "locked"
	StakeStatusSlashed   StakeStatus = "slashed"
	StakeStatusWithdrawn StakeStatus = "withdrawn"
)

// Stake is currency bonded by a participant and held in Balance.Locked.
type Stake struct {
	ID         string
	UserID     string
	StakeType  StakeType
	Amount     int64
	Status     StakeStatus
	LockReason string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AttestationStatus is the lifecycle state of an attestation.
type AttestationStatus string

const (
	AttestationPending  AttestationStatus = "pending"
	AttestationDisputed AttestationStatus = "disputed"
	AttestationAccepted AttestationStatus = "accepted"
	AttestationRejected AttestationStatus = "rejected"
)

// Attestation is a reporter's claim about a market outcome. DisputeDeadline
// is fixed when the attestation is created.
type Attestation struct {
	ID              string
	ReporterID      string
	StakeID         string
	MarketID        string
	Outcome         Outcome
	Signature       string
	Evidence        string
	Status          AttestationStatus
	DisputeDeadline time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DisputeOpen reports whether the attestation can still be challenged at now.
func (a Attestation) DisputeOpen(now time.Time) bool {
	return now.Before(a.DisputeDeadline)
}

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen                DisputeStatus = "open"
	DisputeResolvedForReporter DisputeStatus = "resolved_for_reporter"
	DisputeResolvedForDisputer DisputeStatus = "resolved_for_disputer"
	DisputeEscalated           DisputeStatus = "escalated"
)

// Dispute challenges an attestation. Deadline is copied from the attestation.
type Dispute struct {
	ID              string
	AttestationID   string
	DisputerID      string
	StakeID         string
	DisputedOutcome Outcome
	Reason          string
	Evidence        string
	Status          DisputeStatus
	Deadline        time.Time
	Verdict         Verdict
	Notes           string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// Verdict is the ruling on a dispute.
type Verdict string

const (
	VerdictReporterWins Verdict = "reporter_wins"
	VerdictDisputerWins Verdict = "disputer_wins"
	VerdictEscalate     Verdict = "escalate"
)

// ParseVerdict validates s as a verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case VerdictReporterWins, VerdictDisputerWins, VerdictEscalate:
		return Verdict(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVerdict, s)
}

// LockReasonDispute is the lock reason recorded on a disputer's stake.
func LockReasonDispute(disputeID string) string {
	return "dispute:" + disputeID
}
