package domain

import "time"

// Event is the envelope published on the signal bus and relayed to websocket
// clients. Type is "<area>.<what>", for example "job.confirmed".
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// JobEvent describes a settlement job after a state change.
type JobEvent struct {
	JobID      string `json:"job_id"`
	JobType    string `json:"job_type"`
	TxType     string `json:"tx_type"`
	Status     string `json:"status"`
	UserID     string `json:"user_id,omitempty"`
	MarketID   string `json:"market_id,omitempty"`
	Amount     int64  `json:"amount"`
	TxHash     string `json:"tx_hash,omitempty"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// NewJobEvent wraps a job snapshot.
func NewJobEvent(j SettlementJob, at time.Time) Event {
	return Event{
		Type: "job." + string(j.Status),
		At:   at,
		Data: JobEvent{
			JobID:      j.ID,
			JobType:    string(j.JobType),
			TxType:     string(j.TxType),
			Status:     string(j.Status),
			UserID:     j.UserID,
			MarketID:   j.MarketID,
			Amount:     j.Amount,
			TxHash:     j.TxHash,
			RetryCount: j.RetryCount,
			Error:      j.ErrorMessage,
		},
	}
}

// OracleEvent describes a step of the resolution protocol.
type OracleEvent struct {
	MarketID      string `json:"market_id,omitempty"`
	AttestationID string `json:"attestation_id,omitempty"`
	DisputeID     string `json:"dispute_id,omitempty"`
	StakeID       string `json:"stake_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Verdict       string `json:"verdict,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
}

// TradeEvent describes an executed AMM trade.
type TradeEvent struct {
	FillID   string  `json:"fill_id"`
	MarketID string  `json:"market_id"`
	UserID   string  `json:"user_id"`
	Side     string  `json:"side"`
	Shares   int64   `json:"shares"`
	Amount   int64   `json:"amount"`
	Fee      int64   `json:"fee"`
	YesPrice float64 `json:"yes_price"`
	NoPrice  float64 `json:"no_price"`
}
