package executor

import (
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// envelopeVersion is bumped whenever Envelope's fields change.
const envelopeVersion = 2

// Envelope is the canonical transaction body handed to the signer and the
// chain adapter. Field order is fixed by the struct and nothing varies per
// attempt, so every attempt of a job marshals to the same bytes and a
// rebroadcast is the same transaction.
type Envelope struct {
	Version   int    `json:"v"`
	JobID     string `json:"job_id"`
	JobType   string `json:"job_type"`
	TxType    string `json:"tx_type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Reference string `json:"ref,omitempty"`
}

// Marshal returns the canonical JSON encoding.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal envelope %s: %w", e.JobID, err)
	}
	return b, nil
}

// Accounts holds the system-side addresses of settlement transfers.
type Accounts struct {
	Escrow   string
	Treasury string
}

// userAddress picks the user's address for the job's privacy mode.
func userAddress(u domain.User, txType domain.TxType) string {
	if txType == domain.TxTypeShielded {
		return u.ShieldedAddress
	}
	return u.TransparentAddress
}

// route returns the transfer endpoints for job. userSide is the address that
// belongs to the user and has to be validated against the chain.
func route(job domain.SettlementJob, user domain.User, acct Accounts) (from, to, userSide string) {
	addr := userAddress(user, job.TxType)
	switch job.JobType {
	case domain.JobTypeTradeSettlement, domain.JobTypeStakeDeposit:
		return addr, acct.Escrow, addr
	case domain.JobTypeSlash:
		return acct.Escrow, acct.Treasury, ""
	default: // payout, stake_withdrawal
		return acct.Escrow, addr, addr
	}
}

// reference links the on-chain memo back to the record that caused the job.
func reference(job domain.SettlementJob) string {
	switch {
	case job.FillID != "":
		return job.FillID
	case job.DisputeID != "":
		return job.DisputeID
	case job.StakeID != "":
		return job.StakeID
	default:
		return job.MarketID
	}
}

// BuildEnvelope assembles the transaction body for job.
func BuildEnvelope(job domain.SettlementJob, user domain.User, acct Accounts) Envelope {
	from, to, _ := route(job, user, acct)
	return Envelope{
		Version:   envelopeVersion,
		JobID:     job.ID,
		JobType:   string(job.JobType),
		TxType:    string(job.TxType),
		From:      from,
		To:        to,
		Amount:    job.Amount,
		Reference: reference(job),
	}
}
