package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")
)

// Validation errors. Rejected before any state is touched.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidSide      = errors.New("invalid side")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrInvalidJobType   = errors.New("invalid job type")
	ErrInvalidTxType    = errors.New("invalid tx type")
	ErrInvalidVerdict   = errors.New("invalid verdict")
	ErrInvalidAddress   = errors.New("invalid destination address")
	ErrUnknownUser      = errors.New("unknown user")
	ErrOutcomeUnchanged = errors.New("disputed outcome matches attested outcome")
)

// Policy errors.
var (
	ErrPrivacyPolicyViolation = errors.New("privacy policy violation")
	ErrInsufficientStake      = errors.New("insufficient stake")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrDisputeWindowClosed    = errors.New("dispute window closed")
	ErrDisputeWindowOpen      = errors.New("dispute window still open")
	ErrAlreadyAttested        = errors.New("already attested")
	ErrAlreadyDisputed        = errors.New("already disputed")
	ErrAlreadyResolved        = errors.New("already resolved")
	ErrMarketResolved         = errors.New("market already resolved")
	ErrMarketClosed           = errors.New("market closed for trading")
	ErrStakeNotActive         = errors.New("stake not active")
	ErrStakeInUse             = errors.New("stake backs an open attestation or dispute")
	ErrSelfDispute            = errors.New("reporter cannot dispute own attestation")
	ErrInvalidTransition      = errors.New("invalid state transition")
)

// Liquidity and invariant errors. The pool is left untouched.
var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrAmountTooSmall        = errors.New("amount too small")
	ErrInvariantViolation    = errors.New("pool invariant would decrease")
)

// External collaborator errors. Recorded on the job, never returned to callers
// of the originating operation.
var (
	ErrSignerUnavailable  = errors.New("signer unavailable")
	ErrAdapterUnavailable = errors.New("chain adapter unavailable")
	ErrTxDropped          = errors.New("transaction dropped")
	ErrConfirmTimeout     = errors.New("confirmation timeout")
)

// ErrConflict reports a lost lock race, deadlock or serialization failure.
// The caller should retry the whole operation.
var ErrConflict = errors.New("conflict")

// ErrClaimLost reports that a worker no longer owns the job it claimed: the
// lease expired and the job was reaped or claimed again.
var ErrClaimLost = errors.New("job claim lost")

// ErrorKind groups errors by how callers are expected to react.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindPolicy     ErrorKind = "policy"
	KindLiquidity  ErrorKind = "liquidity"
	KindExternal   ErrorKind = "external"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindAuth       ErrorKind = "auth"
	KindInternal   ErrorKind = "internal"
)

var errorKinds = []struct {
	kind ErrorKind
	errs []error
}{
	{KindNotFound, []error{ErrNotFound}},
	{KindConflict, []error{ErrConflict, ErrAlreadyExists, ErrLockHeld, ErrClaimLost}},
	{KindAuth, []error{ErrUnauthorized, ErrRateLimited}},
	{KindValidation, []error{
		ErrInvalidInput, ErrInvalidSide, ErrInvalidAmount, ErrInvalidOutcome,
		ErrInvalidJobType, ErrInvalidTxType, ErrInvalidVerdict, ErrInvalidAddress,
		ErrUnknownUser, ErrOutcomeUnchanged,
	}},
	{KindPolicy, []error{
		ErrPrivacyPolicyViolation, ErrInsufficientStake, ErrInsufficientBalance,
		ErrDisputeWindowClosed, ErrDisputeWindowOpen, ErrAlreadyAttested,
		ErrAlreadyDisputed, ErrAlreadyResolved, ErrMarketResolved, ErrMarketClosed,
		ErrStakeNotActive, ErrStakeInUse, ErrSelfDispute, ErrInvalidTransition,
	}},
	{KindLiquidity, []error{ErrInsufficientLiquidity, ErrAmountTooSmall, ErrInvariantViolation}},
	{KindExternal, []error{ErrSignerUnavailable, ErrAdapterUnavailable, ErrTxDropped, ErrConfirmTimeout}},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, group := range errorKinds {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return KindInternal
}
