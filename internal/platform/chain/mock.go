package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

type mockTx struct {
	height  int64
	dropped bool
}

// MockAdapter is a deterministic in-process chain. Transaction hashes are
// keccak256(payload || signature), each broadcast is mined into the next
// block, and every Confirmations call advances the tip by BlocksPerPoll so
// submitted jobs eventually confirm without an external node.
type MockAdapter struct {
	mu            sync.Mutex
	network       string
	height        int64
	blocksPerPoll int64
	txs           map[string]*mockTx
	failNext      int
	dropNext      int
	broadcasts    int
}

var _ domain.ChainAdapter = (*MockAdapter)(nil)

// NewMockAdapter creates a MockAdapter. An empty network accepts addresses
// of any network.
func NewMockAdapter(network string) *MockAdapter {
	return &MockAdapter{
		network:       network,
		height:        1,
		blocksPerPoll: 1,
		txs:           make(map[string]*mockTx),
	}
}

// SetBlocksPerPoll sets how far the tip advances per Confirmations call.
// Zero freezes the chain.
func (m *MockAdapter) SetBlocksPerPoll(n int64) {
	m.mu.Lock()
	m.blocksPerPoll = n
	m.mu.Unlock()
}

// FailNextBroadcasts makes the next n broadcasts return ErrAdapterUnavailable.
func (m *MockAdapter) FailNextBroadcasts(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// DropNextBroadcasts makes the next n broadcasts succeed but later report
// the transaction as dropped.
func (m *MockAdapter) DropNextBroadcasts(n int) {
	m.mu.Lock()
	m.dropNext = n
	m.mu.Unlock()
}

// Mine advances the tip by n blocks.
func (m *MockAdapter) Mine(n int64) {
	m.mu.Lock()
	m.height += n
	m.mu.Unlock()
}

// Broadcasts returns how many transactions were mined, not counting
// rebroadcasts answered from the mempool.
func (m *MockAdapter) Broadcasts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

// Height returns the current tip.
func (m *MockAdapter) Height() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// Broadcast verifies the envelope signature and mines it into the next block.
// Rebroadcasting identical bytes returns the original result unless the
// transaction was dropped, in which case it is mined again.
func (m *MockAdapter) Broadcast(ctx context.Context, tx domain.SignedTx) (domain.BroadcastResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.BroadcastResult{}, fmt.Errorf("chain/mock: %w: %w", domain.ErrAdapterUnavailable, err)
	}
	if len(tx.Payload) == 0 || len(tx.Signature) == 0 {
		return domain.BroadcastResult{}, fmt.Errorf("chain/mock: %w: empty transaction", domain.ErrInvalidInput)
	}
	if len(tx.PublicKey) > 0 && !crypto.VerifySignature(tx.PublicKey, tx.Payload, tx.Signature) {
		return domain.BroadcastResult{}, fmt.Errorf("chain/mock: %w: bad signature", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return domain.BroadcastResult{}, fmt.Errorf("chain/mock: %w: injected failure", domain.ErrAdapterUnavailable)
	}

	hash := hexutil.Encode(ethcrypto.Keccak256(tx.Payload, tx.Signature))
	rec, ok := m.txs[hash]
	if ok && !rec.dropped {
		return domain.BroadcastResult{TxHash: hash, BlockHeight: rec.height}, nil
	}
	if !ok {
		rec = &mockTx{}
		m.txs[hash] = rec
	}
	// New, or dropped and now resent.
	m.height++
	rec.height = m.height
	rec.dropped = false
	if m.dropNext > 0 {
		m.dropNext--
		rec.dropped = true
	}
	m.broadcasts++
	return domain.BroadcastResult{TxHash: hash, BlockHeight: rec.height}, nil
}

// Confirmations reports tip - height + 1 for a mined transaction.
func (m *MockAdapter) Confirmations(ctx context.Context, txHash string) (domain.TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxStatus{}, fmt.Errorf("chain/mock: %w: %w", domain.ErrAdapterUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[txHash]
	if !ok {
		return domain.TxStatus{}, fmt.Errorf("chain/mock: tx %s: %w", txHash, domain.ErrNotFound)
	}
	if rec.dropped {
		return domain.TxStatus{Dropped: true}, nil
	}
	m.height += m.blocksPerPoll
	return domain.TxStatus{Confirmations: m.height - rec.height + 1, BlockHeight: rec.height}, nil
}

// ValidateAddress classifies addr by prefix.
func (m *MockAdapter) ValidateAddress(_ context.Context, addr string) (domain.AddressInfo, error) {
	return ParseAddress(addr, m.network), nil
}
