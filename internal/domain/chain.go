package domain

import "context"

// Signer produces signatures for transaction bytes. Private keys stay behind
// the implementation; keyID is an opaque reference.
type Signer interface {
	Sign(ctx context.Context, txBytes []byte, keyID string) ([]byte, error)
	PublicKey(ctx context.Context, keyID string) ([]byte, error)
}

// SignedTx is a transaction envelope with its signature.
type SignedTx struct {
	JobID     string
	Payload   []byte
	Signature []byte
	PublicKey []byte
}

// BroadcastResult is returned by a successful broadcast.
type BroadcastResult struct {
	TxHash      string
	BlockHeight int64
}

// TxStatus is the chain's view of a broadcast transaction.
type TxStatus struct {
	Confirmations int64
	BlockHeight   int64
	Dropped       bool
}

// AddressInfo describes a destination address.
type AddressInfo struct {
	Valid   bool
	Type    TxType // shielded or transparent
	Network string
}

// ChainAdapter broadcasts transactions and reports confirmations.
type ChainAdapter interface {
	Broadcast(ctx context.Context, tx SignedTx) (BroadcastResult, error)
	Confirmations(ctx context.Context, txHash string) (TxStatus, error)
	ValidateAddress(ctx context.Context, address string) (AddressInfo, error)
}
